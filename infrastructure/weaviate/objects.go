package weaviate

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/access-ci/qa-extraction/internal/ports"
)

// Object property names.
const (
	propRecordID  = "record_id"
	propSourceRef = "source_ref"
	propFields    = "fields_json"
	propMetadata  = "metadata_json"
	propResponses = "responses_json"
)

// objectNamespace scopes deterministic object ids.
var objectNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://access-ci.org/qa-review"))

// ClassName maps a dataset name onto a Weaviate class name: separators are
// dropped and each word is capitalized, so "qa-review" becomes "QaReview".
func ClassName(dataset string) string {
	var b strings.Builder
	upper := true
	for _, r := range dataset {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if r > unicode.MaxASCII {
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	name := b.String()
	if name == "" || !unicode.IsLetter(rune(name[0])) {
		name = "D" + name
	}
	return name
}

// ObjectID derives a stable object id from the dataset and record id so a
// re-insert of the same record overwrites instead of duplicating.
func ObjectID(dataset, recordID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(objectNamespace, []byte(dataset+"\x00"+recordID)).String())
}

func reviewClass(name, dataset string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "Q&A review records for dataset " + dataset + ".",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: propRecordID, DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: propSourceRef, DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: propFields, DataType: []string{"text"}, Description: "Reviewer-facing text fields as JSON."},
			{Name: propMetadata, DataType: []string{"text"}, Description: "Record metadata as JSON."},
			{Name: propResponses, DataType: []string{"text"}, Description: "Reviewer responses as JSON."},
		},
	}
}

func recordSourceRef(rec ports.ReviewRecord) string {
	ref, _ := rec.Metadata["source_ref"].(string)
	return ref
}

// toObject converts rec into a Weaviate object. Only the vector named
// vectorName is stored.
func toObject(class, dataset, vectorName string, rec ports.ReviewRecord) (*models.Object, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields of %s: %w", rec.ID, err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata of %s: %w", rec.ID, err)
	}
	responses, err := json.Marshal(rec.Responses)
	if err != nil {
		return nil, fmt.Errorf("encode responses of %s: %w", rec.ID, err)
	}

	obj := &models.Object{
		Class: class,
		ID:    ObjectID(dataset, rec.ID),
		Properties: map[string]any{
			propRecordID:  rec.ID,
			propSourceRef: recordSourceRef(rec),
			propFields:    string(fields),
			propMetadata:  string(metadata),
			propResponses: string(responses),
		},
	}
	if vec, ok := rec.Vectors[vectorName]; ok && len(vec) > 0 {
		obj.Vector = vec
	}
	return obj, nil
}

// fromProperties rebuilds a record from a GraphQL result row.
func fromProperties(vectorName string, row map[string]any) (ports.ReviewRecord, error) {
	rec := ports.ReviewRecord{}
	rec.ID, _ = row[propRecordID].(string)

	if err := decodeProp(row, propFields, &rec.Fields); err != nil {
		return rec, err
	}
	if err := decodeProp(row, propMetadata, &rec.Metadata); err != nil {
		return rec, err
	}
	if err := decodeProp(row, propResponses, &rec.Responses); err != nil {
		return rec, err
	}

	additional, _ := row["_additional"].(map[string]any)
	if raw, ok := additional["vector"].([]any); ok && len(raw) > 0 {
		vec := make([]float32, 0, len(raw))
		for _, v := range raw {
			f, ok := v.(float64)
			if !ok {
				return rec, fmt.Errorf("record %s: vector element %T is not a number", rec.ID, v)
			}
			vec = append(vec, float32(f))
		}
		rec.Vectors = map[string][]float32{vectorName: vec}
	}
	return rec, nil
}

func decodeProp(row map[string]any, name string, dst any) error {
	s, _ := row[name].(string)
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
