package atto

import (
	"context"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/notify"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
	"github.com/wallflowercc/wallflower-atto/internal/validate"
)

// Do runs one request against the store. ids addresses the entity: network
// id, then object id, then stream id, as many as the level needs.
//
// Do never returns an error. Failures are reported through the
// <level>-error and <level>-code entries of the returned message.
func (s *Store) Do(ctx context.Context, req map[string]any, op Op, level Level, ids []string) Message {
	at := s.now()
	msg := s.do(ctx, req, op, level, ids, at)
	GatewayRequestsTotal.WithLabelValues(string(level), string(op), strconv.Itoa(msg.Code(level))).Inc()
	return msg
}

func (s *Store) do(ctx context.Context, req map[string]any, op Op, level Level, ids []string, at time.Time) Message {
	if req == nil {
		req = map[string]any{}
	}

	if err := s.checkShape(req, op, level, ids); err != nil {
		s.log.Debug("invalid request", "level", level, "op", op, "ids", path(ids), "error", err)
		msg := Message{}.fail(level, 400, "Invalid request")
		msg["schema-error"] = validate.Diagnostics(err)
		return msg
	}

	msg, ok := s.doChecks(ctx, op, level, ids)
	if ok {
		var res Message
		res, ok = s.doRequest(ctx, req, op, level, ids, at)
		msg.merge(res)
	}
	if !ok {
		if _, set := msg[level.key("code")]; !set {
			msg.fail(level, 400, level.Title()+" request could not be completed")
		}
		return msg
	}

	if op.mutating() {
		s.publish(ctx, op, level, ids, at, msg)
	}
	return msg
}

func (s *Store) checkShape(req map[string]any, op Op, level Level, ids []string) error {
	if !op.valid() || level.Depth() == 0 {
		return fmt.Errorf("%w: unknown %s %s request", validate.ErrInvalid, level, op)
	}
	if len(ids) != level.Depth() {
		return fmt.Errorf("%w: %s requests need %d ids, got %d", validate.ErrInvalid, level, level.Depth(), len(ids))
	}
	for _, id := range ids {
		if !schema.ValidID(id) {
			return fmt.Errorf("%w: invalid id %q", validate.ErrInvalid, id)
		}
	}
	if level.Depth() >= LevelStream.Depth() && !schema.ValidQualifiedName(ids...) {
		return fmt.Errorf("%w: stream name %s is longer than %d bytes", validate.ErrInvalid, path(ids), schema.MaxTableNameLength)
	}
	return s.validator.Validate(string(op), string(level), req)
}

// doChecks gates the request on the existence of the addressed entity and
// its ancestors. A missing ancestor is reported under the ancestor's keys.
func (s *Store) doChecks(ctx context.Context, op Op, level Level, ids []string) (Message, bool) {
	ancestors := []Level{LevelNetwork, LevelObject, LevelStream}[:level.Depth()-1]

	var (
		missing   Level
		missingAt int
		exists    bool
	)
	err := s.view(ctx, func(tx *storage.Tx) error {
		for i, a := range ancestors {
			ok, err := s.exists(ctx, tx, a, ids[:i+1])
			if err != nil {
				return err
			}
			if !ok {
				missing, missingAt = a, i+1
				return nil
			}
		}
		var err error
		exists, err = s.exists(ctx, tx, level, ids)
		return err
	})
	if err != nil {
		if storage.IsOperational(err) {
			StorageOperationalErrorsTotal.WithLabelValues(string(level), string(op)).Inc()
			s.log.Warn("storage unavailable", "level", level, "op", op, "ids", path(ids), "error", err)
		} else {
			s.log.Error("existence check failed", "level", level, "op", op, "ids", path(ids), "error", err)
		}
		return Message{}, false
	}

	if missing != "" {
		text := fmt.Sprintf("%s %s does not exist and %s %s request cannot be completed.",
			missing.Title(), path(ids[:missingAt]), level, op)
		s.log.Debug(text)
		return Message{}.fail(missing, 404, text), false
	}

	// Points are never created on their own; a points create falls through
	// to dispatch and fails there.
	switch {
	case exists && op == OpCreate && level != LevelPoints:
		text := fmt.Sprintf("%s %s already exists. No changes made.", level.Title(), path(ids))
		s.log.Debug(text)
		return Message{}.succeed(level, 304, text), false
	case !exists && op != OpCreate:
		text := fmt.Sprintf("%s %s does not exist and %s request cannot be completed.", level.Title(), path(ids), op)
		s.log.Debug(text)
		return Message{}.fail(level, 404, text), false
	}
	return Message{}, true
}

func (s *Store) doRequest(ctx context.Context, req map[string]any, op Op, level Level, ids []string, at time.Time) (Message, bool) {
	switch level {
	case LevelNetwork, LevelObject:
		switch op {
		case OpCreate:
			return s.createRecord(ctx, level, ids, req, at)
		case OpRead:
			if level == LevelNetwork {
				return s.readNetwork(ctx, ids)
			}
			return s.readObject(ctx, ids)
		case OpUpdate:
			return s.updateRecord(ctx, level, ids, req, at)
		case OpDelete:
			return s.deleteRecord(ctx, level, ids)
		}
	case LevelStream:
		switch op {
		case OpCreate:
			return s.createStream(ctx, ids, req, at)
		case OpRead:
			return s.readStream(ctx, ids)
		case OpUpdate:
			return s.updateRecord(ctx, level, ids, req, at)
		case OpDelete:
			return s.deleteRecord(ctx, level, ids)
		}
	case LevelPoints:
		switch op {
		case OpRead:
			return s.readPoints(ctx, ids, req)
		case OpUpdate:
			return s.writePoints(ctx, ids, req, at)
		case OpSearch:
			return s.searchPoints(ctx, ids, req)
		case OpDelete:
			return s.deletePoints(ctx, ids, req)
		}
	}
	s.log.Debug("unsupported request", "level", level, "op", op)
	return Message{}, false
}

func (s *Store) publish(ctx context.Context, op Op, level Level, ids []string, at time.Time, msg Message) {
	if s.cfg.Notifier == nil {
		return
	}
	ev := notify.NewEvent(string(op), string(level), ids, at, maps.Clone(msg))
	if err := s.cfg.Notifier.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish event", "level", level, "op", op, "ids", path(ids), "error", err)
	}
}
