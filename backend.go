package conductor

import (
	"context"
	"fmt"
	"sort"
	"time"
)

type (
	// Backend is the persistence contract consumed by the unit of work and
	// the dispatcher. Load returns (nil, nil) for a record that does not
	// exist. BeginTransaction opens a scope that buffers Save and Delete
	// until CommitTransaction; implementations serialize transactions
	Backend interface {
		Save(ctx context.Context, e Entity) (string, error)
		Load(ctx context.Context, entityType, entityID string) (Entity, error)
		Delete(ctx context.Context, entityType, entityID string) (bool, error)
		Query(
			ctx context.Context, entityType string, opts QueryOptions,
		) ([]Entity, error)
		BeginTransaction(ctx context.Context) error
		CommitTransaction(ctx context.Context) error
		RollbackTransaction(ctx context.Context) error
	}

	// BackendResolver selects the backend responsible for an entity type
	BackendResolver func(entityType string) Backend

	// QueryOptions narrows and orders a Query. Filters match snapshot
	// fields by equality; the reserved name "id" matches record identity
	QueryOptions struct {
		Filters    map[string]any
		OrderBy    string
		Descending bool
		Limit      int
		Offset     int
	}

	// record is the stored document form shared by the bundled backends
	record struct {
		ID        string         `json:"id"`
		UpdatedAt time.Time      `json:"updated_at"`
		Fields    map[string]any `json:"fields"`
	}
)

func recordOf(e Entity) *record {
	return &record{
		ID:        e.EntityID(),
		UpdatedAt: e.UpdatedAt(),
		Fields:    e.Snapshot(),
	}
}

// materialize rebuilds an entity instance from its stored form using the
// registered factory for the type
func materialize(r *Registry, entityType string, rec *record) (Entity, error) {
	def, ok := r.entityDef(entityType)
	if !ok {
		return nil, fmt.Errorf("entity type %q is not registered", entityType)
	}
	e := def.New()
	e.SetEntityID(rec.ID)
	e.Touch(rec.UpdatedAt)
	e.Restore(rec.Fields)
	return e, nil
}

// cloneFields deep-copies a snapshot through its serialized form so stored
// state never aliases live entity state
func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	data, err := jsonc.Marshal(fields)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := jsonc.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func (rec *record) clone() *record {
	return &record{
		ID:        rec.ID,
		UpdatedAt: rec.UpdatedAt,
		Fields:    cloneFields(rec.Fields),
	}
}

func (rec *record) matches(filters map[string]any) bool {
	for name, want := range filters {
		var got any
		switch name {
		case "id":
			got = rec.ID
		case "updated_at":
			got = rec.UpdatedAt
		default:
			got = rec.Fields[name]
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

// looseEqual compares values across the numeric widenings introduced by
// JSON round-trips
func looseEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// applyQuery filters, orders, and windows records per the options
func applyQuery(recs []*record, opts QueryOptions) []*record {
	out := make([]*record, 0, len(recs))
	for _, rec := range recs {
		if len(opts.Filters) == 0 || rec.matches(opts.Filters) {
			out = append(out, rec)
		}
	}

	if opts.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(
				orderKey(out[i], opts.OrderBy), orderKey(out[j], opts.OrderBy),
			)
			if opts.Descending {
				return !less
			}
			return less
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out
}

func orderKey(rec *record, field string) any {
	switch field {
	case "id":
		return rec.ID
	case "updated_at":
		return rec.UpdatedAt
	default:
		return rec.Fields[field]
	}
}

func lessValue(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa < fb
		}
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Before(tb)
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
