package atto

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
)

const embeddedReadLimit = 5

func (o Op) past() string {
	switch o {
	case OpCreate:
		return "Created"
	case OpRead:
		return "Read"
	case OpUpdate:
		return "Updated"
	case OpDelete:
		return "Deleted"
	case OpSearch:
		return "Searched"
	}
	return string(o)
}

func path(ids []string) string {
	return schema.QualifiedName(ids...)
}

// outcome is the success or failure text for op on the entity at ids.
func outcome(l Level, op Op, ids []string, ok bool) string {
	name := path(ids)
	if l == LevelPoints {
		name += ".points"
	}
	text := fmt.Sprintf("%s %s %s", l.Title(), name, op.past())
	if !ok {
		text = fmt.Sprintf("%s %s Not %s", l.Title(), name, op.past())
	}
	return text
}

// update runs fn in a committed transaction, retrying it from the start on
// storage conflicts.
func (s *Store) update(ctx context.Context, operation string, fn func(tx *storage.Tx) error) error {
	return storage.RetryConflicts(ctx, s.log, operation, func() error {
		return storage.Update(ctx, s.log, s.cfg.Engine, fn)
	})
}

func (s *Store) view(ctx context.Context, fn func(tx *storage.Tx) error) error {
	return storage.View(ctx, s.log, s.cfg.Engine, fn)
}

// failed logs a storage failure and returns the level's Not <op> message.
func (s *Store) failed(l Level, op Op, ids []string, err error) (Message, bool) {
	if storage.IsOperational(err) {
		StorageOperationalErrorsTotal.WithLabelValues(string(l), string(op)).Inc()
		s.log.Warn("storage unavailable", "level", l, "op", op, "ids", path(ids), "error", err)
	} else {
		s.log.Error("request failed", "level", l, "op", op, "ids", path(ids), "error", err)
	}
	return Message{}.fail(l, 400, outcome(l, op, ids, false)), false
}

func (s *Store) createRecord(ctx context.Context, l Level, ids []string, req map[string]any, at time.Time) (Message, bool) {
	e := entityFor(l)
	details := requestDetails(req, e.details)
	details[keyCreatedAt] = schema.FormatTime(at)

	enc, err := encodeJSON(details)
	if err != nil {
		return s.failed(l, OpCreate, ids, fmt.Errorf("failed to encode details: %w", err))
	}
	row := storage.Row{colDetails: enc, colCreatedAt: at, colUpdatedAt: at}
	for i, k := range e.keys {
		row[k] = ids[i]
	}
	err = s.update(ctx, "create "+string(l), func(tx *storage.Tx) error {
		return tx.Insert(ctx, e.table.Name, row)
	})
	if err != nil {
		return s.failed(l, OpCreate, ids, err)
	}

	s.log.Debug("created", "level", l, "ids", path(ids))
	msg := Message{e.details: details}
	return msg.succeed(l, 201, outcome(l, OpCreate, ids, true)), true
}

func (s *Store) createStream(ctx context.Context, ids []string, req map[string]any, at time.Time) (Message, bool) {
	details := requestDetails(req, streams.details)
	details[keyCreatedAt] = schema.FormatTime(at)
	pointsDetails := requestDetails(req, "points-details")

	tag, length, err := pointsShape(pointsDetails)
	if err != nil {
		return s.failed(LevelStream, OpCreate, ids, err)
	}
	pointsDetails[keyPointsLength] = length
	table, err := schema.DefineForTag(path(ids), tag, length)
	if err != nil {
		return s.failed(LevelStream, OpCreate, ids, err)
	}

	encDetails, err := encodeJSON(details)
	if err != nil {
		return s.failed(LevelStream, OpCreate, ids, err)
	}
	encPoints, err := encodeJSON(pointsDetails)
	if err != nil {
		return s.failed(LevelStream, OpCreate, ids, err)
	}

	unlock := s.locks.Lock(table.Name)
	defer unlock()

	err = s.update(ctx, "create stream", func(tx *storage.Tx) error {
		if err := tx.CreateTable(ctx, table); err != nil {
			return err
		}
		return tx.Insert(ctx, streams.table.Name, storage.Row{
			colNetworkID:     ids[0],
			colObjectID:      ids[1],
			colStreamID:      ids[2],
			colDetails:       encDetails,
			colPointsDetails: encPoints,
			colCreatedAt:     at,
			colUpdatedAt:     at,
		})
	})
	if err != nil {
		return s.failed(LevelStream, OpCreate, ids, err)
	}
	s.setCachedTable(table)

	s.log.Debug("created", "level", LevelStream, "ids", path(ids), "points_type", tag, "points_length", length)
	msg := Message{
		streams.details:  details,
		"points-details": pointsDetails,
	}
	return msg.succeed(LevelStream, 201, outcome(LevelStream, OpCreate, ids, true)), true
}

func (s *Store) updateRecord(ctx context.Context, l Level, ids []string, req map[string]any, at time.Time) (Message, bool) {
	e := entityFor(l)
	provided := requestDetails(req, e.details)
	provided[keyUpdatedAt] = schema.FormatTime(at)

	err := s.update(ctx, "update "+string(l), func(tx *storage.Tx) error {
		rec, err := s.getRecord(ctx, tx, l, ids)
		if err != nil {
			return err
		}
		merged := maps.Clone(rec.details)
		maps.Copy(merged, provided)
		enc, err := encodeJSON(merged)
		if err != nil {
			return fmt.Errorf("failed to encode details: %w", err)
		}
		_, err = tx.Update(ctx, e.table.Name, storage.Row{colDetails: enc, colUpdatedAt: at}, e.where(ids))
		return err
	})
	if err != nil {
		return s.failed(l, OpUpdate, ids, err)
	}

	s.log.Debug("updated", "level", l, "ids", path(ids))
	msg := Message{
		l.key("id"): ids[len(ids)-1],
		e.details:   provided,
	}
	return msg.succeed(l, 200, outcome(l, OpUpdate, ids, true)), true
}

func streamPayload(r record, points []any) map[string]any {
	return map[string]any{
		"stream-id":      r.ids[2],
		"stream-details": r.details,
		"points-details": r.pointsDetails,
		"points":         points,
	}
}

func (s *Store) readNetwork(ctx context.Context, ids []string) (Message, bool) {
	var (
		network record
		objs    []record
		strs    []record
	)
	err := s.view(ctx, func(tx *storage.Tx) error {
		var err error
		if network, err = s.getRecord(ctx, tx, LevelNetwork, ids); err != nil {
			return err
		}
		if objs, err = s.listRecords(ctx, tx, LevelObject, ids); err != nil {
			return err
		}
		strs, err = s.listRecords(ctx, tx, LevelStream, ids)
		return err
	})
	if err != nil {
		return s.failed(LevelNetwork, OpRead, ids, err)
	}
	points, err := s.embeddedPoints(ctx, strs)
	if err != nil {
		return s.failed(LevelNetwork, OpRead, ids, err)
	}

	objects := make(map[string]any, len(objs))
	streamsByObject := make(map[string]map[string]any, len(objs))
	for _, o := range objs {
		st := map[string]any{}
		streamsByObject[o.ids[1]] = st
		objects[o.ids[1]] = map[string]any{
			"object-id":      o.ids[1],
			"object-details": o.details,
			"streams":        st,
		}
	}
	for _, r := range strs {
		st, ok := streamsByObject[r.ids[1]]
		if !ok {
			continue
		}
		st[r.ids[2]] = streamPayload(r, points[path(r.ids)])
	}

	msg := Message{
		"network-id":      ids[0],
		"network-details": network.details,
		"objects":         objects,
	}
	return msg.succeed(LevelNetwork, 200, outcome(LevelNetwork, OpRead, ids, true)), true
}

func (s *Store) readObject(ctx context.Context, ids []string) (Message, bool) {
	var (
		object record
		strs   []record
	)
	err := s.view(ctx, func(tx *storage.Tx) error {
		var err error
		if object, err = s.getRecord(ctx, tx, LevelObject, ids); err != nil {
			return err
		}
		strs, err = s.listRecords(ctx, tx, LevelStream, ids)
		return err
	})
	if err != nil {
		return s.failed(LevelObject, OpRead, ids, err)
	}
	points, err := s.embeddedPoints(ctx, strs)
	if err != nil {
		return s.failed(LevelObject, OpRead, ids, err)
	}

	st := make(map[string]any, len(strs))
	for _, r := range strs {
		st[r.ids[2]] = streamPayload(r, points[path(r.ids)])
	}
	msg := Message{
		"object-id":      ids[1],
		"object-details": object.details,
		"streams":        st,
	}
	return msg.succeed(LevelObject, 200, outcome(LevelObject, OpRead, ids, true)), true
}

func (s *Store) readStream(ctx context.Context, ids []string) (Message, bool) {
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
		points, err = s.latestPoints(ctx, tx, table, embeddedReadLimit)
		return err
	})
	if err != nil {
		return s.failed(LevelStream, OpRead, ids, err)
	}

	msg := Message(streamPayload(rec, points))
	if rec.current != nil {
		msg["points-current"] = rec.current
	}
	return msg.succeed(LevelStream, 200, outcome(LevelStream, OpRead, ids, true)), true
}

// deleteStreamTx drops the points table and removes the stream record.
func (s *Store) deleteStreamTx(ctx context.Context, tx *storage.Tx, ids []string) error {
	if err := tx.DropTable(ctx, schema.Placeholder(path(ids))); err != nil {
		return err
	}
	if _, err := tx.Delete(ctx, streams.table.Name, streams.where(ids)); err != nil {
		return err
	}
	s.log.Debug("deleted", "level", LevelStream, "ids", path(ids))
	return nil
}

func (s *Store) deleteObjectTx(ctx context.Context, tx *storage.Tx, ids []string) error {
	children, err := s.listRecords(ctx, tx, LevelStream, ids)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.deleteStreamTx(ctx, tx, c.ids); err != nil {
			return err
		}
	}
	if _, err := tx.Delete(ctx, objects.table.Name, objects.where(ids)); err != nil {
		return err
	}
	s.log.Debug("deleted", "level", LevelObject, "ids", path(ids))
	return nil
}

func (s *Store) deleteNetworkTx(ctx context.Context, tx *storage.Tx, ids []string) error {
	children, err := s.listRecords(ctx, tx, LevelObject, ids)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.deleteObjectTx(ctx, tx, c.ids); err != nil {
			return err
		}
	}
	if _, err := tx.Delete(ctx, networks.table.Name, networks.where(ids)); err != nil {
		return err
	}
	s.log.Debug("deleted", "level", LevelNetwork, "ids", path(ids))
	return nil
}

// deleteRecord deletes the entity at ids and everything below it in one
// transaction, holding the lock of every points table it drops.
func (s *Store) deleteRecord(ctx context.Context, l Level, ids []string) (Message, bool) {
	var names []string
	if l == LevelStream {
		names = []string{path(ids)}
	} else {
		err := s.view(ctx, func(tx *storage.Tx) error {
			children, err := s.listRecords(ctx, tx, LevelStream, ids)
			for _, c := range children {
				names = append(names, path(c.ids))
			}
			return err
		})
		if err != nil {
			return s.failed(l, OpDelete, ids, err)
		}
	}

	unlock := s.locks.LockAll(names)
	defer unlock()

	err := s.update(ctx, "delete "+string(l), func(tx *storage.Tx) error {
		switch l {
		case LevelNetwork:
			return s.deleteNetworkTx(ctx, tx, ids)
		case LevelObject:
			return s.deleteObjectTx(ctx, tx, ids)
		}
		return s.deleteStreamTx(ctx, tx, ids)
	})
	for _, name := range names {
		s.invalidateCachedTable(name)
	}
	if err != nil {
		return s.failed(l, OpDelete, ids, err)
	}
	return Message{}.succeed(l, 200, outcome(l, OpDelete, ids, true)), true
}
