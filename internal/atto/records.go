package atto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
)

const (
	colNetworkID     = "network_id"
	colObjectID      = "object_id"
	colStreamID      = "stream_id"
	colDetails       = "details"
	colPointsDetails = "points_details"
	colPointsCurrent = "points_current"
	colCreatedAt     = "created_at"
	colUpdatedAt     = "updated_at"
)

// Keys inside the points-details document.
const (
	keyPointsType   = "points-type"
	keyPointsLength = "points-length"
	keyMinValue     = "min-value"
	keyMaxValue     = "max-value"
	keyUpdatedAt    = "updated-at"
	keyCreatedAt    = "created-at"
)

type entity struct {
	table   schema.Table
	keys    []string
	details string
}

var (
	networks = entity{
		table: schema.Table{
			Name: "networks",
			Columns: []schema.Column{
				{Name: colNetworkID, Kind: schema.KindString},
				{Name: colDetails, Kind: schema.KindJSON},
				{Name: colCreatedAt, Kind: schema.KindTimestamp},
				{Name: colUpdatedAt, Kind: schema.KindTimestamp},
			},
			PrimaryKey: []string{colNetworkID},
		},
		keys:    []string{colNetworkID},
		details: "network-details",
	}
	objects = entity{
		table: schema.Table{
			Name: "objects",
			Columns: []schema.Column{
				{Name: colNetworkID, Kind: schema.KindString},
				{Name: colObjectID, Kind: schema.KindString},
				{Name: colDetails, Kind: schema.KindJSON},
				{Name: colCreatedAt, Kind: schema.KindTimestamp},
				{Name: colUpdatedAt, Kind: schema.KindTimestamp},
			},
			PrimaryKey: []string{colNetworkID, colObjectID},
		},
		keys:    []string{colNetworkID, colObjectID},
		details: "object-details",
	}
	streams = entity{
		table: schema.Table{
			Name: "streams",
			Columns: []schema.Column{
				{Name: colNetworkID, Kind: schema.KindString},
				{Name: colObjectID, Kind: schema.KindString},
				{Name: colStreamID, Kind: schema.KindString},
				{Name: colDetails, Kind: schema.KindJSON},
				{Name: colPointsDetails, Kind: schema.KindJSON},
				{Name: colPointsCurrent, Kind: schema.KindJSON},
				{Name: colCreatedAt, Kind: schema.KindTimestamp},
				{Name: colUpdatedAt, Kind: schema.KindTimestamp},
			},
			PrimaryKey: []string{colNetworkID, colObjectID, colStreamID},
		},
		keys:    []string{colNetworkID, colObjectID, colStreamID},
		details: "stream-details",
	}
)

func entityFor(l Level) entity {
	switch l {
	case LevelNetwork:
		return networks
	case LevelObject:
		return objects
	}
	return streams
}

// where matches the record addressed by ids, or every child record when
// fewer ids than keys are given.
func (e entity) where(ids []string) []storage.Cond {
	n := min(len(ids), len(e.keys))
	conds := make([]storage.Cond, n)
	for i := range n {
		conds[i] = storage.Eq(e.keys[i], ids[i])
	}
	return conds
}

func (s *Store) migrate(ctx context.Context) error {
	return storage.Update(ctx, s.log, s.cfg.Engine, func(tx *storage.Tx) error {
		for _, e := range []entity{networks, objects, streams} {
			if err := tx.CreateTable(ctx, e.table); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) exists(ctx context.Context, tx *storage.Tx, l Level, ids []string) (bool, error) {
	e := entityFor(l)
	_, err := tx.SelectOne(ctx, storage.Query{
		Table:   e.table.Name,
		Columns: e.keys[:1],
		Where:   e.where(ids),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// record is a decoded metadata row.
type record struct {
	ids           []string
	details       map[string]any
	pointsDetails map[string]any
	current       map[string]any
}

func (e entity) columns() []string {
	cols := append([]string(nil), e.keys...)
	cols = append(cols, colDetails)
	if e.table.Name == streams.table.Name {
		cols = append(cols, colPointsDetails, colPointsCurrent)
	}
	return cols
}

func (e entity) decode(row storage.Row) (record, error) {
	var r record
	for _, k := range e.keys {
		id, _ := row[k].(string)
		r.ids = append(r.ids, id)
	}
	var err error
	if r.details, err = decodeJSON(row[colDetails]); err != nil {
		return r, fmt.Errorf("failed to decode details: %w", err)
	}
	if r.details == nil {
		r.details = map[string]any{}
	}
	if e.table.Name != streams.table.Name {
		return r, nil
	}
	if r.pointsDetails, err = decodeJSON(row[colPointsDetails]); err != nil {
		return r, fmt.Errorf("failed to decode points details: %w", err)
	}
	if r.current, err = decodeJSON(row[colPointsCurrent]); err != nil {
		return r, fmt.Errorf("failed to decode points current: %w", err)
	}
	return r, nil
}

func (s *Store) getRecord(ctx context.Context, tx *storage.Tx, l Level, ids []string) (record, error) {
	e := entityFor(l)
	row, err := tx.SelectOne(ctx, storage.Query{
		Table:   e.table.Name,
		Columns: e.columns(),
		Where:   e.where(ids),
	})
	if err != nil {
		return record{}, err
	}
	return e.decode(row)
}

// listRecords returns the records at level l below the ancestor ids, ordered
// by their own id.
func (s *Store) listRecords(ctx context.Context, tx *storage.Tx, l Level, ancestors []string) ([]record, error) {
	e := entityFor(l)
	rows, err := tx.Select(ctx, storage.Query{
		Table:   e.table.Name,
		Columns: e.columns(),
		Where:   e.where(ancestors),
		OrderBy: e.keys[len(e.keys)-1],
	})
	if err != nil {
		return nil, err
	}
	out := make([]record, 0, len(rows))
	for _, row := range rows {
		r, err := e.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeJSON accepts the forms engines hand back for a JSON column: text
// from DuckDB, an already decoded document from Postgres JSONB, or NULL.
func decodeJSON(v any) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return t, nil
	case string:
		return decodeJSONBytes([]byte(t))
	case []byte:
		return decodeJSONBytes(t)
	}
	return nil, fmt.Errorf("unexpected json column type %T", v)
}

func decodeJSONBytes(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// requestDetails returns a shallow copy of the details object under key.
func requestDetails(req map[string]any, key string) map[string]any {
	d, _ := req[key].(map[string]any)
	out := make(map[string]any, len(d)+1)
	maps.Copy(out, d)
	return out
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) || t < math.MinInt64 || t >= math.MaxInt64 {
			return 0, false
		}
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// pointsShape reads the type tag and vector length from a points-details
// document.
func pointsShape(pd map[string]any) (string, int, error) {
	tag, ok := pd[keyPointsType].(string)
	if !ok {
		return "", 0, fmt.Errorf("points-details has no %s", keyPointsType)
	}
	length, ok := intValue(pd[keyPointsLength])
	if !ok || length < 0 || length > schema.MaxPointsLength {
		return "", 0, fmt.Errorf("points-details has invalid %s %v", keyPointsLength, pd[keyPointsLength])
	}
	return tag, length, nil
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		ts, err := schema.ParseTime(t)
		return ts, err == nil
	}
	return time.Time{}, false
}
