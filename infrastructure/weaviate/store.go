package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	wv "github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// store is the subset of Weaviate operations the backend needs.
type store interface {
	classExists(ctx context.Context, class string) (bool, error)
	createClass(ctx context.Context, class *models.Class) error
	getBySourceRef(ctx context.Context, class, sourceRef string, limit, offset int) ([]map[string]any, error)
	insert(ctx context.Context, objects []*models.Object) error
	deleteBySourceRef(ctx context.Context, class, sourceRef string) (int, error)
}

// clientStore implements store with the Weaviate Go client.
type clientStore struct {
	client *wv.Client
}

func sourceRefFilter(sourceRef string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{propSourceRef}).
		WithOperator(filters.Equal).
		WithValueText(sourceRef)
}

func (s *clientStore) classExists(ctx context.Context, class string) (bool, error) {
	return s.client.Schema().ClassExistenceChecker().WithClassName(class).Do(ctx)
}

func (s *clientStore) createClass(ctx context.Context, class *models.Class) error {
	return s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (s *clientStore) getBySourceRef(ctx context.Context, class, sourceRef string, limit, offset int) ([]map[string]any, error) {
	fields := []graphql.Field{
		{Name: propRecordID},
		{Name: propSourceRef},
		{Name: propFields},
		{Name: propMetadata},
		{Name: propResponses},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "vector"}}},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithWhere(sourceRefFilter(sourceRef)).
		WithLimit(limit).
		WithOffset(offset).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}
	return parseGetResponse(resp.Data, class)
}

// parseGetResponse extracts the rows of class from a GraphQL Get payload.
func parseGetResponse(data map[string]models.JSONObject, class string) ([]map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var parsed struct {
		Get map[string][]map[string]any `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal graphql data: %w", err)
	}
	return parsed.Get[class], nil
}

func (s *clientStore) insert(ctx context.Context, objects []*models.Object) error {
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	return batchErrors(resp)
}

// batchErrors collects per-object failures of a batch import.
func batchErrors(resp []models.ObjectsGetResponse) error {
	var errs []error
	for _, item := range resp {
		if item.Result == nil || item.Result.Errors == nil {
			continue
		}
		for _, e := range item.Result.Errors.Error {
			errs = append(errs, fmt.Errorf("object %s: %s", item.ID, e.Message))
		}
	}
	return errors.Join(errs...)
}

func (s *clientStore) deleteBySourceRef(ctx context.Context, class, sourceRef string) (int, error) {
	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(class).
		WithOutput("minimal").
		WithWhere(sourceRefFilter(sourceRef)).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if resp == nil || resp.Results == nil {
		return 0, nil
	}
	if resp.Results.Failed > 0 {
		return int(resp.Results.Successful), fmt.Errorf("%d of %d objects failed to delete",
			resp.Results.Failed, resp.Results.Matches)
	}
	return int(resp.Results.Successful), nil
}
