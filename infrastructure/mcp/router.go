package mcp

import (
	"sort"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// Router maps each catalog domain to the client of the server that hosts it.
type Router struct {
	clients map[string]*Client
}

// NewRouter builds one client per server. The map key is the domain name and
// becomes the client's Name when cfg.Name is empty.
func NewRouter(servers map[string]ServerConfig, opts ...Option) (*Router, error) {
	r := &Router{clients: make(map[string]*Client, len(servers))}
	for domainName, cfg := range servers {
		if cfg.Name == "" {
			cfg.Name = domainName
		}
		c, err := NewClient(cfg, opts...)
		if err != nil {
			return nil, err
		}
		r.clients[domainName] = c
	}
	return r, nil
}

// SourceFor returns the entity source serving domainName.
func (r *Router) SourceFor(domainName string) (ports.EntitySource, bool) {
	c, ok := r.clients[domainName]
	if !ok {
		return nil, false
	}
	return c, true
}

// Client returns the concrete client for domainName.
func (r *Router) Client(domainName string) (*Client, bool) {
	c, ok := r.clients[domainName]
	return c, ok
}

// Domains returns the routed domain names, sorted.
func (r *Router) Domains() []string {
	out := make([]string, 0, len(r.clients))
	for d := range r.clients {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
