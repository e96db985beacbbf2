package atto

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
)

const (
	defaultPointsLimit = 100
	maxPointsLimit     = 1000
)

var errBadTimestamp = errors.New("invalid timestamp")

type point struct {
	at    time.Time
	value any
}

func (p point) render() map[string]any {
	return map[string]any{"at": schema.FormatTime(p.at), "value": p.value}
}

type streamPoints struct {
	name   string
	points []any
}

// tableFor returns the points table descriptor of a stream record.
func (s *Store) tableFor(r record) (schema.Table, error) {
	name := path(r.ids)
	if t, ok := s.getCachedTable(name); ok {
		return t, nil
	}
	tag, length, err := pointsShape(r.pointsDetails)
	if err != nil {
		return schema.Table{}, fmt.Errorf("stream %s: %w", name, err)
	}
	t, err := schema.DefineForTag(name, tag, length)
	if err != nil {
		return schema.Table{}, fmt.Errorf("stream %s: %w", name, err)
	}
	s.setCachedTable(t)
	return t, nil
}

func pointsFromRows(t schema.Table, rows []storage.Row) ([]point, error) {
	out := make([]point, 0, len(rows))
	valueCols := t.ValueColumns()
	for _, row := range rows {
		at, ok := toTime(row[schema.TimeColumn])
		if !ok {
			return nil, fmt.Errorf("unexpected timestamp %v in %s", row[schema.TimeColumn], t.Name)
		}
		p := point{at: at}
		if t.Length == 0 {
			p.value = row[schema.ValueColumn]
		} else {
			vec := make([]any, len(valueCols))
			for i, c := range valueCols {
				vec[i] = row[c]
			}
			p.value = vec
		}
		out = append(out, p)
	}
	return out, nil
}

func render(points []point) []any {
	out := make([]any, len(points))
	for i, p := range points {
		out[i] = p.render()
	}
	return out
}

func (s *Store) selectPoints(ctx context.Context, tx *storage.Tx, t schema.Table, where []storage.Cond, limit int) ([]point, error) {
	rows, err := tx.Select(ctx, storage.Query{
		Table:   t.Name,
		Columns: t.ColumnNames(),
		Where:   where,
		OrderBy: schema.TimeColumn,
		Desc:    true,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return pointsFromRows(t, rows)
}

func (s *Store) latestPoints(ctx context.Context, tx *storage.Tx, t schema.Table, limit int) ([]any, error) {
	points, err := s.selectPoints(ctx, tx, t, nil, limit)
	if err != nil {
		return nil, err
	}
	return render(points), nil
}

// embeddedPoints reads the newest points of every stream in recs, one read
// transaction per stream, keyed by points table name.
func (s *Store) embeddedPoints(ctx context.Context, recs []record) (map[string][]any, error) {
	out := make(map[string][]any, len(recs))
	if len(recs) == 0 {
		return out, nil
	}

	group := s.readPool.NewGroupContext(ctx)
	for _, r := range recs {
		group.SubmitErr(func() (streamPoints, error) {
			t, err := s.tableFor(r)
			if err != nil {
				return streamPoints{}, err
			}
			var points []any
			err = s.view(ctx, func(tx *storage.Tx) error {
				var err error
				points, err = s.latestPoints(ctx, tx, t, embeddedReadLimit)
				return err
			})
			return streamPoints{name: t.Name, points: points}, err
		})
	}
	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to read latest points: %w", err)
	}
	for _, r := range results {
		out[r.name] = r.points
	}
	return out, nil
}

func pointsOptions(req map[string]any) map[string]any {
	opts, _ := req["points"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	return opts
}

func timeOption(opts map[string]any, key string) (time.Time, bool, error) {
	v, ok := opts[key]
	if !ok {
		return time.Time{}, false, nil
	}
	str, _ := v.(string)
	at, err := schema.ParseTime(str)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %s %q", errBadTimestamp, key, str)
	}
	return at, true, nil
}

func limitOption(opts map[string]any, def int) int {
	limit, ok := intValue(opts["limit"])
	if !ok || limit < 1 {
		return def
	}
	return min(limit, maxPointsLimit)
}

// bounds returns the minimum and maximum of values, starting from the
// stored bounds when both are present. Vectors are compared per position.
func bounds(kind schema.Kind, length int, storedMin, storedMax any, values []any) (any, any) {
	if len(values) == 0 {
		return storedMin, storedMax
	}
	if length == 0 {
		lo, okLo := schema.Normalize(kind, storedMin)
		hi, okHi := schema.Normalize(kind, storedMax)
		if !okLo || !okHi {
			lo, hi = values[0], values[0]
		}
		for _, v := range values {
			if schema.Compare(v, lo) < 0 {
				lo = v
			}
			if schema.Compare(v, hi) > 0 {
				hi = v
			}
		}
		return lo, hi
	}

	lo := make([]any, length)
	hi := make([]any, length)
	minVec, okLo := storedMin.([]any)
	maxVec, okHi := storedMax.([]any)
	for i := range length {
		var pos []any
		for _, v := range values {
			pos = append(pos, v.([]any)[i])
		}
		var sMin, sMax any
		if okLo && okHi && len(minVec) == length && len(maxVec) == length {
			sMin, sMax = minVec[i], maxVec[i]
		}
		lo[i], hi[i] = bounds(kind, 0, sMin, sMax, pos)
	}
	return lo, hi
}

func (s *Store) pointsFailed(ids []string, op Op, code int, text string, err error) (Message, bool) {
	s.log.Debug("points request rejected", "op", op, "ids", path(ids), "code", code, "error", err)
	return Message{}.fail(LevelPoints, code, text), false
}

func (s *Store) writePoints(ctx context.Context, ids []string, req map[string]any, at time.Time) (Message, bool) {
	name := path(ids)
	unlock := s.locks.Lock(name)
	defer unlock()

	var rec record
	err := s.view(ctx, func(tx *storage.Tx) error {
		var err error
		rec, err = s.getRecord(ctx, tx, LevelStream, ids)
		return err
	})
	if err != nil {
		return s.failed(LevelPoints, OpUpdate, ids, err)
	}
	table, err := s.tableFor(rec)
	if err != nil {
		return s.failed(LevelPoints, OpUpdate, ids, err)
	}

	raw, _ := req["points"].([]any)
	batch := make([]point, 0, len(raw))
	for _, item := range raw {
		p, _ := item.(map[string]any)
		pointAt := at
		if v, ok := p["at"]; ok {
			str, _ := v.(string)
			if pointAt, err = schema.ParseTime(str); err != nil {
				return s.pointsFailed(ids, OpUpdate, 400, outcome(LevelPoints, OpUpdate, ids, false), err)
			}
		}
		value, err := schema.CoerceValue(table.ValueKind, table.Length, p["value"])
		if err != nil {
			text := fmt.Sprintf("Stream %s Point Value Not %s", name, table.ValueKind)
			return s.pointsFailed(ids, OpUpdate, 406, text, err)
		}
		batch = append(batch, point{at: pointAt, value: value})
	}
	if len(batch) == 0 {
		return s.pointsFailed(ids, OpUpdate, 400, outcome(LevelPoints, OpUpdate, ids, false), errors.New("empty batch"))
	}

	valueCols := table.ValueColumns()
	err = s.update(ctx, "write points", func(tx *storage.Tx) error {
		rec, err := s.getRecord(ctx, tx, LevelStream, ids)
		if err != nil {
			return err
		}
		for _, p := range batch {
			row := storage.Row{schema.TimeColumn: p.at}
			if table.Length == 0 {
				row[schema.ValueColumn] = p.value
			} else {
				for i, v := range p.value.([]any) {
					row[valueCols[i]] = v
				}
			}
			if err := tx.Insert(ctx, table.Name, row); err != nil {
				return err
			}
		}

		pd := maps.Clone(rec.pointsDetails)
		pd[keyUpdatedAt] = schema.FormatTime(at)
		if table.ValueKind.Numeric() {
			values := make([]any, len(batch))
			for i, p := range batch {
				values[i] = p.value
			}
			pd[keyMinValue], pd[keyMaxValue] = bounds(table.ValueKind, table.Length, pd[keyMinValue], pd[keyMaxValue], values)
		}
		encPD, err := encodeJSON(pd)
		if err != nil {
			return fmt.Errorf("failed to encode points details: %w", err)
		}
		set := storage.Row{colPointsDetails: encPD, colUpdatedAt: at}
		if current := newerCurrent(rec.current, batch); current != nil {
			enc, err := encodeJSON(current.render())
			if err != nil {
				return fmt.Errorf("failed to encode points current: %w", err)
			}
			set[colPointsCurrent] = enc
		}
		_, err = tx.Update(ctx, streams.table.Name, set, streams.where(ids))
		return err
	})
	if err != nil {
		return s.failed(LevelPoints, OpUpdate, ids, err)
	}

	PointsWrittenTotal.Add(float64(len(batch)))
	s.log.Debug("points written", "ids", name, "count", len(batch))
	msg := Message{"points": render(batch)}
	return msg.succeed(LevelPoints, 200, outcome(LevelPoints, OpUpdate, ids, true)), true
}

// newerCurrent returns the newest point of batch when it is newer than the
// cached current point, or nil when the cached point stays. The first point
// wins on equal timestamps.
func newerCurrent(cached map[string]any, batch []point) *point {
	if len(batch) == 0 {
		return nil
	}
	newest := batch[0]
	for _, p := range batch[1:] {
		if p.at.After(newest.at) {
			newest = p
		}
	}
	if cached == nil {
		return &newest
	}
	cachedAt, ok := toTime(cached["at"])
	if !ok || newest.at.After(cachedAt) {
		return &newest
	}
	return nil
}

func (s *Store) readPoints(ctx context.Context, ids []string, req map[string]any) (Message, bool) {
	limit := limitOption(pointsOptions(req), defaultPointsLimit)

	var (
		rec    record
		points []any
	)
	err := s.view(ctx, func(tx *storage.Tx) error {
		var err error
		if rec, err = s.getRecord(ctx, tx, LevelStream, ids); err != nil {
			return err
		}
		table, err := s.tableFor(rec)
		if err != nil {
			return err
		}
		points, err = s.latestPoints(ctx, tx, table, limit)
		return err
	})
	if err != nil {
		return s.failed(LevelPoints, OpRead, ids, err)
	}

	msg := Message{
		"stream-id":      ids[2],
		"points-details": rec.pointsDetails,
		"points":         points,
	}
	return msg.succeed(LevelPoints, 200, outcome(LevelPoints, OpRead, ids, true)), true
}

func (s *Store) searchPoints(ctx context.Context, ids []string, req map[string]any) (Message, bool) {
	opts := pointsOptions(req)
	var where []storage.Cond
	for _, f := range []struct {
		key string
		op  storage.Op
	}{{"start", storage.OpGe}, {"end", storage.OpLe}} {
		at, ok, err := timeOption(opts, f.key)
		if err != nil {
			return s.pointsFailed(ids, OpSearch, 400, outcome(LevelPoints, OpSearch, ids, false), err)
		}
		if ok {
			where = append(where, storage.Cond{Column: schema.TimeColumn, Op: f.op, Value: at})
		}
	}
	limit := limitOption(opts, defaultPointsLimit)

	var (
		rec    record
		table  schema.Table
		points []point
	)
	err := s.view(ctx, func(tx *storage.Tx) error {
		var err error
		if rec, err = s.getRecord(ctx, tx, LevelStream, ids); err != nil {
			return err
		}
		if table, err = s.tableFor(rec); err != nil {
			return err
		}
		points, err = s.selectPoints(ctx, tx, table, where, limit)
		return err
	})
	if err != nil {
		return s.failed(LevelPoints, OpSearch, ids, err)
	}

	pd := maps.Clone(rec.pointsDetails)
	if table.ValueKind.Numeric() && len(points) > 1 {
		values := make([]any, len(points))
		for i, p := range points {
			values[i] = p.value
		}
		pd["search-min-value"], pd["search-max-value"] = bounds(table.ValueKind, table.Length, nil, nil, values)
	}
	msg := Message{
		"points-details": pd,
		"points":         render(points),
	}
	return msg.succeed(LevelPoints, 200, outcome(LevelPoints, OpSearch, ids, true)), true
}

func (s *Store) deletePoints(ctx context.Context, ids []string, req map[string]any) (Message, bool) {
	opts := pointsOptions(req)
	var where []storage.Cond
	for _, f := range []struct {
		key string
		op  storage.Op
	}{{"before", storage.OpLt}, {"after", storage.OpGt}} {
		at, ok, err := timeOption(opts, f.key)
		if err != nil {
			return s.pointsFailed(ids, OpDelete, 400, outcome(LevelPoints, OpDelete, ids, false), err)
		}
		if ok {
			where = append(where, storage.Cond{Column: schema.TimeColumn, Op: f.op, Value: at})
		}
	}
	keep, hasExcept := intValue(opts["except"])
	if _, present := opts["except"]; present && (!hasExcept || keep < 0) {
		return s.pointsFailed(ids, OpDelete, 400, outcome(LevelPoints, OpDelete, ids, false), fmt.Errorf("invalid except %v", opts["except"]))
	}

	name := path(ids)
	unlock := s.locks.Lock(name)
	defer unlock()

	table := schema.Placeholder(name)
	var deleted int64
	err := s.update(ctx, "delete points", func(tx *storage.Tx) error {
		conds := where
		if hasExcept && keep > 0 {
			newest, err := tx.Select(ctx, storage.Query{
				Table:   table.Name,
				Columns: []string{schema.TimeColumn},
				OrderBy: schema.TimeColumn,
				Desc:    true,
				Limit:   keep,
			})
			if err != nil {
				return err
			}
			if len(newest) < keep {
				deleted = 0
				return nil
			}
			conds = append(append([]storage.Cond(nil), where...),
				storage.Cond{Column: schema.TimeColumn, Op: storage.OpLt, Value: newest[keep-1][schema.TimeColumn]})
		}
		var err error
		deleted, err = tx.Delete(ctx, table.Name, conds)
		return err
	})
	if err != nil {
		return s.failed(LevelPoints, OpDelete, ids, err)
	}

	s.log.Debug("points deleted", "ids", name, "count", deleted)
	return Message{}.succeed(LevelPoints, 200, outcome(LevelPoints, OpDelete, ids, true)), true
}
