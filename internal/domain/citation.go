package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// CitationPrefix is the literal opening of every inline citation marker.
const CitationPrefix = "<<SRC:"

// citationPattern matches <<SRC:{domain}:{entity_id}>>. The domain excludes
// ':' and '>', the entity id excludes '>'.
var citationPattern = regexp.MustCompile(`<<SRC:([^:>]+):([^>]+)>>`)

// Citation is one parsed <<SRC:domain:entity_id>> marker.
type Citation struct {
	Domain   string `json:"domain"`
	EntityID string `json:"entity_id"`
}

// String renders the citation in its wire form.
func (c Citation) String() string {
	return fmt.Sprintf("%s%s:%s>>", CitationPrefix, c.Domain, c.EntityID)
}

// FormatCitation renders a marker for embedding into answer text.
func FormatCitation(domain, entityID string) string {
	return Citation{Domain: domain, EntityID: entityID}.String()
}

// ExtractCitations returns every non-overlapping citation in text in order of
// appearance.
func ExtractCitations(text string) []Citation {
	matches := citationPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		out = append(out, Citation{Domain: m[1], EntityID: m[2]})
	}
	return out
}

// HasCitationMarker reports whether text contains the citation prefix. This is
// the definition of Metadata.HasCitation.
func HasCitationMarker(text string) bool {
	return strings.Contains(text, CitationPrefix)
}
