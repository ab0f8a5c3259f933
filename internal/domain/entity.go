package domain

// Catalog domains served by the MCP entity sources.
const (
	DomainComputeResources  = "compute-resources"
	DomainSoftwareDiscovery = "software-discovery"
	DomainAffinityGroups    = "affinity-groups"
	DomainAllocations       = "allocations"
	DomainNSFAwards         = "nsf-awards"
)

// CatalogDomains lists the domains validated by default, in load order.
var CatalogDomains = []string{
	DomainComputeResources,
	DomainSoftwareDiscovery,
	DomainAffinityGroups,
	DomainAllocations,
	DomainNSFAwards,
}

// EntityRef identifies one source record.
type EntityRef struct {
	Domain string `json:"domain"`
	ID     string `json:"entity_id"`
}

// CacheKey is the composite key used by the incremental cache.
func (r EntityRef) CacheKey() string { return r.Domain + "_" + r.ID }

// Citation returns the marker that cites this entity.
func (r EntityRef) Citation() Citation { return Citation{Domain: r.Domain, EntityID: r.ID} }

// Entity is a canonicalized source record: a typed reference plus the
// cleaned data that is hashed and shown to generators and judges.
type Entity struct {
	Ref       EntityRef      `json:"ref"`
	Name      string         `json:"name,omitempty"`
	SourceRef string         `json:"source_ref"`
	Data      map[string]any `json:"data"`
}

// Hash returns the content hash of the entity data.
func (e Entity) Hash() string { return HashEntity(e.Data) }
