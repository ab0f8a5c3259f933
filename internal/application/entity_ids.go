package application

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/access-ci/qa-extraction/internal/domain"
	"github.com/access-ci/qa-extraction/internal/ports"
)

// DomainSpec describes how to enumerate the entity identifiers of one
// catalog domain: which tool to call, where the record list lives in the
// reply and which record fields hold the identifier.
type DomainSpec struct {
	// Domain is the catalog domain, for example "compute-resources".
	Domain string

	// EntityType is the path segment used in source_ref URIs.
	EntityType string

	// Tool and Args form the listing call.
	Tool string
	Args map[string]any

	// TopLevelList accepts a reply that is itself the record list.
	TopLevelList bool

	// ListKeys name the reply fields that may hold the record list. The
	// first key present in the reply is used even when its list is empty.
	ListKeys []string

	// IDKeys name the record fields that may hold the identifier, tried in
	// order. Empty, zero and missing values fall through to the next key.
	IDKeys []string

	// Fallback enumerates identifiers another way when the listing call
	// fails or yields nothing.
	Fallback *FallbackSpec
}

// FallbackSpec enumerates a domain's identifiers by querying it once per
// entity of another domain.
type FallbackSpec struct {
	// Via describes the domain whose identifiers drive the queries.
	Via DomainSpec

	// Tool is called once per Via identifier with ArgsFor(id).
	Tool    string
	ArgsFor func(id string) map[string]any

	// ListKeys and IDKeys locate identifiers in each reply.
	ListKeys []string
	IDKeys   []string
}

// ComputeResourcesSpec lists compute resources.
func ComputeResourcesSpec() DomainSpec {
	return DomainSpec{
		Domain:       domain.DomainComputeResources,
		EntityType:   "resources",
		Tool:         "search_resources",
		Args:         map[string]any{},
		TopLevelList: true,
		ListKeys:     []string{"items", "resources"},
		IDKeys:       []string{"id", "resource_id", "ResourceID"},
	}
}

// SoftwareDiscoverySpec lists software packages by name. When the bulk
// listing is unavailable it asks for the software installed on each
// compute resource.
func SoftwareDiscoverySpec() DomainSpec {
	return DomainSpec{
		Domain:     domain.DomainSoftwareDiscovery,
		EntityType: "software",
		Tool:       "list_all_software",
		Args:       map[string]any{"limit": 10000},
		ListKeys:   []string{"items", "software"},
		IDKeys:     []string{"name", "Name"},
		Fallback:   &FallbackSpec{
			Via:  ComputeResourcesSpec(),
			Tool: "search_software",
			ArgsFor: func(id string) map[string]any {
				return map[string]any{"resource_id": id, "limit": 500}
			},
			ListKeys: []string{"software"},
			IDKeys:   []string{"name", "Name"},
		},
	}
}

// AffinityGroupsSpec lists affinity groups. Their ids are numeric upstream.
func AffinityGroupsSpec() DomainSpec {
	return DomainSpec{
		Domain:     domain.DomainAffinityGroups,
		EntityType: "groups",
		Tool:       "search_affinity_groups",
		Args:       map[string]any{},
		ListKeys:   []string{"items", "groups"},
		IDKeys:     []string{"id"},
	}
}

// AllocationsSpec lists allocation projects.
func AllocationsSpec() DomainSpec {
	return DomainSpec{
		Domain:     domain.DomainAllocations,
		EntityType: "projects",
		Tool:       "search_projects",
		Args:       map[string]any{},
		ListKeys:   []string{"items", "projects"},
		IDKeys:     []string{"projectId", "requestNumber"},
	}
}

// NSFAwardsSpec lists NSF awards.
func NSFAwardsSpec() DomainSpec {
	return DomainSpec{
		Domain:     domain.DomainNSFAwards,
		EntityType: "awards",
		Tool:       "search_nsf_awards",
		Args:       map[string]any{},
		ListKeys:   []string{"items", "awards"},
		IDKeys:     []string{"awardNumber"},
	}
}

// DefaultDomainSpecs returns the specs of every catalog domain in
// domain.CatalogDomains order.
func DefaultDomainSpecs() []DomainSpec {
	return []DomainSpec{
		ComputeResourcesSpec(),
		SoftwareDiscoverySpec(),
		AffinityGroupsSpec(),
		AllocationsSpec(),
		NSFAwardsSpec(),
	}
}

// ExtractIDs normalizes a listing reply into entity identifiers in reply
// order, without duplicates. Records that are not objects or carry no
// usable identifier are skipped.
func (s DomainSpec) ExtractIDs(payload any) ([]string, error) {
	records, err := recordList(payload, s.TopLevelList, s.ListKeys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Domain, err)
	}
	return collectIDs(records, s.IDKeys), nil
}

// Refs converts a listing reply into typed entity references.
func (s DomainSpec) Refs(payload any) ([]domain.EntityRef, error) {
	ids, err := s.ExtractIDs(payload)
	if err != nil {
		return nil, err
	}
	refs := make([]domain.EntityRef, len(ids))
	for i, id := range ids {
		refs[i] = domain.EntityRef{Domain: s.Domain, ID: id}
	}
	return refs, nil
}

// Coverage counts a listing reply: how many records came back and which
// distinct identifiers they carry.
type Coverage struct {
	Domain  string
	Fetched int
	IDs     []string
}

// Sample returns at most n identifiers in reply order.
func (c Coverage) Sample(n int) []string {
	if len(c.IDs) <= n {
		return c.IDs
	}
	return c.IDs[:n]
}

// FetchCoverage runs the DomainSpec listing call without the fallback and
// reports what it returned.
func FetchCoverage(ctx context.Context, src ports.EntitySource, spec DomainSpec) (Coverage, error) {
	payload, err := src.CallTool(ctx, spec.Tool, spec.Args)
	if err != nil {
		return Coverage{Domain: spec.Domain}, fmt.Errorf("%s: %w", spec.Domain, err)
	}
	records, err := recordList(payload, spec.TopLevelList, spec.ListKeys)
	if err != nil {
		return Coverage{Domain: spec.Domain}, fmt.Errorf("%s: %w", spec.Domain, err)
	}
	return Coverage{
		Domain:  spec.Domain,
		Fetched: len(records),
		IDs:     collectIDs(records, spec.IDKeys),
	}, nil
}

func recordList(payload any, topLevel bool, keys []string) ([]any, error) {
	switch v := payload.(type) {
	case []any:
		if !topLevel {
			return nil, fmt.Errorf("unexpected list reply")
		}
		return v, nil
	case map[string]any:
		for _, k := range keys {
			raw, ok := v[k]
			if !ok {
				continue
			}
			list, ok := raw.([]any)
			if !ok {
				if raw == nil {
					return nil, nil
				}
				return nil, fmt.Errorf("field %q is %T, not a list", k, raw)
			}
			return list, nil
		}
		return nil, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected reply type %T", payload)
	}
}

func collectIDs(records []any, keys []string) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		for _, k := range keys {
			id, ok := normalizeID(obj[k])
			if !ok {
				continue
			}
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			break
		}
	}
	return ids
}

// normalizeID renders an identifier value as text. Numbers never use
// exponent notation so 2138259 stays "2138259".
func normalizeID(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		return id, id != ""
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return strconv.FormatInt(n, 10), n != 0
		}
		f, err := id.Float64()
		if err != nil {
			return id.String(), id.String() != ""
		}
		return strconv.FormatFloat(f, 'f', -1, 64), f != 0
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), id != 0
	case int:
		return strconv.Itoa(id), id != 0
	case int64:
		return strconv.FormatInt(id, 10), id != 0
	default:
		return "", false
	}
}

// nameKeys are the record fields tried, in order, for a display name.
var nameKeys = []string{"name", "Name", "title", "projectTitle", "requestTitle"}

// Entities converts a listing reply into entities carrying their full
// records as data. Records without an identifier are skipped and a
// positive limit caps the result.
func (s DomainSpec) Entities(payload any, limit int) ([]domain.Entity, error) {
	records, err := recordList(payload, s.TopLevelList, s.ListKeys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Domain, err)
	}

	seen := map[string]struct{}{}
	var out []domain.Entity
	for _, rec := range records {
		obj, ok := rec.(map[string]any)
		if !ok {
			continue
		}
		ids := collectIDs([]any{obj}, s.IDKeys)
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		var name string
		for _, k := range nameKeys {
			if v, ok := obj[k].(string); ok && v != "" {
				name = v
				break
			}
		}
		out = append(out, domain.Entity{
			Ref:       domain.EntityRef{Domain: s.Domain, ID: id},
			Name:      name,
			SourceRef: domain.SourceRef("mcp", s.Domain, s.EntityType, id),
			Data:      pruneNulls(obj),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FetchEntities calls the DomainSpec listing tool and converts the reply.
func FetchEntities(ctx context.Context, src ports.EntitySource, spec DomainSpec, limit int) ([]domain.Entity, error) {
	payload, err := src.CallTool(ctx, spec.Tool, spec.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Domain, err)
	}
	return spec.Entities(payload, limit)
}

// pruneNulls drops null fields so absent and null values hash the same.
func pruneNulls(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// SpecFor returns the default DomainSpec of a catalog domain.
func SpecFor(domainName string) (DomainSpec, bool) {
	for _, s := range DefaultDomainSpecs() {
		if s.Domain == domainName {
			return s, true
		}
	}
	return DomainSpec{}, false
}
