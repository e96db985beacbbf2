package atto

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/wallflowercc/wallflower-atto/internal/notify"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
	"github.com/wallflowercc/wallflower-atto/internal/storage/duck"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testStore struct {
	*Store
	clock  *clockwork.FakeClock
	engine storage.Engine

	mu     sync.Mutex
	events []notify.Event
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	engine, err := duck.New(ctx, log, filepath.Join(t.TempDir(), "atto.duckdb"))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	ts := &testStore{clock: clockwork.NewFakeClockAt(testEpoch), engine: engine}
	store, err := New(ctx, &Config{
		Logger: log,
		Engine: engine,
		Clock:  ts.clock,
		Notifier: notify.NotifierFunc(func(ctx context.Context, ev notify.Event) error {
			ts.mu.Lock()
			defer ts.mu.Unlock()
			ts.events = append(ts.events, ev)
			return nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)
	ts.Store = store
	return ts
}

func (ts *testStore) do(t *testing.T, req map[string]any, op Op, level Level, ids ...string) Message {
	t.Helper()
	return ts.Do(context.Background(), req, op, level, ids)
}

func (ts *testStore) seed(t *testing.T, streamType string, length int) {
	t.Helper()
	msg := ts.do(t, map[string]any{"network-details": map[string]any{"network-name": "Local"}}, OpCreate, LevelNetwork, "local")
	require.Equal(t, 201, msg.Code(LevelNetwork), msg)
	msg = ts.do(t, map[string]any{"object-details": map[string]any{"object-name": "Sensor"}}, OpCreate, LevelObject, "local", "sensor1")
	require.Equal(t, 201, msg.Code(LevelObject), msg)
	msg = ts.do(t, map[string]any{
		"stream-details": map[string]any{"stream-name": "Temp"},
		"points-details": map[string]any{"points-type": streamType, "points-length": length},
	}, OpCreate, LevelStream, "local", "sensor1", "temp")
	require.Equal(t, 201, msg.Code(LevelStream), msg)
}

func (ts *testStore) write(t *testing.T, points ...map[string]any) Message {
	t.Helper()
	raw := make([]any, len(points))
	for i, p := range points {
		raw[i] = p
	}
	return ts.do(t, map[string]any{"points": raw}, OpUpdate, LevelPoints, "local", "sensor1", "temp")
}

func (ts *testStore) tableExists(t *testing.T, name string) bool {
	t.Helper()
	err := storage.View(context.Background(), ts.log, ts.engine, func(tx *storage.Tx) error {
		_, err := tx.Select(context.Background(), storage.Query{Table: name, Columns: []string{schema.TimeColumn}, Limit: 1})
		return err
	})
	return err == nil
}

func at(seconds int) string {
	return schema.FormatTime(testEpoch.Add(time.Duration(seconds) * time.Second))
}

func pointsOf(t *testing.T, msg Message) []map[string]any {
	t.Helper()
	raw, ok := msg["points"].([]any)
	require.True(t, ok, "points missing from %v", msg)
	out := make([]map[string]any, len(raw))
	for i, p := range raw {
		out[i] = p.(map[string]any)
	}
	return out
}

func TestAtto_Store_Scenario_WriteThenReadStream(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "f", 0)

	msg := ts.write(t, map[string]any{"value": 72.5})
	require.Equal(t, 200, msg.Code(LevelPoints), msg)
	require.Equal(t, "Points local.sensor1.temp.points Updated", msg["points-message"])

	msg = ts.do(t, nil, OpRead, LevelStream, "local", "sensor1", "temp")
	require.Equal(t, 200, msg.Code(LevelStream), msg)
	require.Equal(t, "Stream local.sensor1.temp Read", msg["stream-message"])
	points := pointsOf(t, msg)
	require.Len(t, points, 1)
	require.Equal(t, 72.5, points[0]["value"])
	require.Equal(t, "2024-01-01T00:00:00.000000Z", points[0]["at"])

	current, ok := msg["points-current"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 72.5, current["value"])
}

func TestAtto_Store_StreamCreate_MissingObject(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	msg := ts.do(t, map[string]any{"network-details": map[string]any{}}, OpCreate, LevelNetwork, "local")
	require.Equal(t, 201, msg.Code(LevelNetwork))

	msg = ts.do(t, map[string]any{
		"stream-details": map[string]any{},
		"points-details": map[string]any{"points-type": "f", "points-length": 0},
	}, OpCreate, LevelStream, "local", "ghost", "temp")
	require.Equal(t, 404, msg.Code(LevelObject), msg)
	require.Equal(t, "Object local.ghost does not exist and stream create request cannot be completed.", msg["object-error"])
	require.NotContains(t, msg, "stream-code")
	require.False(t, ts.tableExists(t, "local.ghost.temp"))

	msg = ts.do(t, nil, OpRead, LevelPoints, "nowhere", "o", "s")
	require.Equal(t, 404, msg.Code(LevelNetwork), msg)
	require.Equal(t, "Network nowhere does not exist and points read request cannot be completed.", msg["network-error"])
}

func TestAtto_Store_NetworkCreate_Twice(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	msg := ts.do(t, map[string]any{"network-details": map[string]any{"network-name": "first"}}, OpCreate, LevelNetwork, "local")
	require.Equal(t, 201, msg.Code(LevelNetwork))
	require.Equal(t, "Network local Created", msg["network-message"])
	details := msg["network-details"].(map[string]any)
	require.Equal(t, "first", details["network-name"])
	require.Equal(t, "2024-01-01T00:00:00.000000Z", details["created-at"])

	msg = ts.do(t, map[string]any{"network-details": map[string]any{"network-name": "second", "extra": 1}}, OpCreate, LevelNetwork, "local")
	require.Equal(t, 304, msg.Code(LevelNetwork))
	require.Equal(t, "Network local already exists. No changes made.", msg["network-message"])

	msg = ts.do(t, nil, OpRead, LevelNetwork, "local")
	require.Equal(t, 200, msg.Code(LevelNetwork))
	details = msg["network-details"].(map[string]any)
	require.Equal(t, "first", details["network-name"])
	require.NotContains(t, details, "extra")
}

func TestAtto_Store_NetworkDelete_Cascades(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)
	msg := ts.do(t, map[string]any{
		"stream-details": map[string]any{},
		"points-details": map[string]any{"points-type": "b", "points-length": 2},
	}, OpCreate, LevelStream, "local", "sensor1", "flags")
	require.Equal(t, 201, msg.Code(LevelStream))
	msg = ts.do(t, map[string]any{"object-details": map[string]any{}}, OpCreate, LevelObject, "local", "sensor2")
	require.Equal(t, 201, msg.Code(LevelObject))
	ts.write(t, map[string]any{"value": 1})

	require.True(t, ts.tableExists(t, "local.sensor1.temp"))
	require.True(t, ts.tableExists(t, "local.sensor1.flags"))

	msg = ts.do(t, nil, OpDelete, LevelNetwork, "local")
	require.Equal(t, Message{"network-message": "Network local Deleted", "network-code": 200}, msg)

	require.False(t, ts.tableExists(t, "local.sensor1.temp"))
	require.False(t, ts.tableExists(t, "local.sensor1.flags"))
	err := storage.View(context.Background(), ts.log, ts.engine, func(tx *storage.Tx) error {
		for _, name := range []string{"networks", "objects", "streams"} {
			rows, err := tx.Select(context.Background(), storage.Query{Table: name, Columns: []string{colNetworkID}})
			if err != nil {
				return err
			}
			require.Empty(t, rows, name)
		}
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, ts.locks.size())

	msg = ts.do(t, nil, OpRead, LevelNetwork, "local")
	require.Equal(t, 404, msg.Code(LevelNetwork))
}

func TestAtto_Store_Points_MinMax(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	readDetails := func() map[string]any {
		msg := ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
		require.Equal(t, 200, msg.Code(LevelPoints), msg)
		return msg["points-details"].(map[string]any)
	}

	msg := ts.write(t,
		map[string]any{"value": 3, "at": at(1)},
		map[string]any{"value": -1, "at": at(2)},
		map[string]any{"value": 7, "at": at(3)},
	)
	require.Equal(t, 200, msg.Code(LevelPoints), msg)
	pd := readDetails()
	require.EqualValues(t, -1, pd["min-value"])
	require.EqualValues(t, 7, pd["max-value"])

	ts.write(t, map[string]any{"value": 5, "at": at(4)})
	pd = readDetails()
	require.EqualValues(t, -1, pd["min-value"])
	require.EqualValues(t, 7, pd["max-value"])

	ts.write(t, map[string]any{"value": -10, "at": at(5)})
	pd = readDetails()
	require.EqualValues(t, -10, pd["min-value"])
	require.EqualValues(t, 7, pd["max-value"])

	// Deleting points leaves the running bounds alone.
	msg = ts.do(t, map[string]any{"points": map[string]any{}}, OpDelete, LevelPoints, "local", "sensor1", "temp")
	require.Equal(t, 200, msg.Code(LevelPoints), msg)
	pd = readDetails()
	require.EqualValues(t, -10, pd["min-value"])
}

func TestAtto_Store_Points_Current(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "f", 0)

	current := func() map[string]any {
		msg := ts.do(t, nil, OpRead, LevelStream, "local", "sensor1", "temp")
		require.Equal(t, 200, msg.Code(LevelStream), msg)
		return msg["points-current"].(map[string]any)
	}

	ts.write(t,
		map[string]any{"value": 2.0, "at": at(20)},
		map[string]any{"value": 1.0, "at": at(10)},
	)
	require.Equal(t, at(20), current()["at"])
	require.Equal(t, 2.0, current()["value"])

	ts.write(t, map[string]any{"value": 0.5, "at": at(5)})
	require.Equal(t, at(20), current()["at"])

	// Real-time ordering, not string ordering of the input form.
	ts.write(t, map[string]any{"value": 3.0, "at": "2024-01-01T00:00:30Z"})
	require.Equal(t, at(30), current()["at"])
}

func TestAtto_Store_Points_BadBatchInsertsNothing(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "f", 0)

	msg := ts.write(t,
		map[string]any{"value": 1.0, "at": at(1)},
		map[string]any{"value": 2.0, "at": at(2)},
		map[string]any{"value": "warm", "at": at(3)},
		map[string]any{"value": 4.0, "at": at(4)},
		map[string]any{"value": 5.0, "at": at(5)},
	)
	require.Equal(t, 406, msg.Code(LevelPoints), msg)
	require.Equal(t, "Stream local.sensor1.temp Point Value Not float", msg["points-error"])

	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	require.Empty(t, pointsOf(t, msg))
	pd := msg["points-details"].(map[string]any)
	require.NotContains(t, pd, "min-value")
}

func TestAtto_Store_Points_IntegerOutOfRangeRejected(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	msg := ts.write(t, map[string]any{"value": 5, "at": at(1)})
	require.Equal(t, 200, msg.Code(LevelPoints), msg)

	for _, v := range []any{1e30, -1e30, 9.3e18} {
		msg = ts.write(t, map[string]any{"value": v, "at": at(2)})
		require.Equal(t, 406, msg.Code(LevelPoints), msg)
		require.Equal(t, "Stream local.sensor1.temp Point Value Not integer", msg["points-error"])
	}

	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	points := pointsOf(t, msg)
	require.Len(t, points, 1)
	require.EqualValues(t, 5, points[0]["value"])
	pd := msg["points-details"].(map[string]any)
	require.EqualValues(t, 5, pd["min-value"])
	require.EqualValues(t, 5, pd["max-value"])
}

func TestAtto_Store_Points_DuplicateTimestampRollsBack(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	msg := ts.write(t,
		map[string]any{"value": 1, "at": at(1)},
		map[string]any{"value": 2, "at": at(1)},
	)
	require.Equal(t, 400, msg.Code(LevelPoints), msg)
	require.Equal(t, "Points local.sensor1.temp.points Not Updated", msg["points-error"])

	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	require.Empty(t, pointsOf(t, msg))
}

func TestAtto_Store_Points_VectorRoundTrip(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 3)

	msg := ts.write(t,
		map[string]any{"value": []any{1, -2, 3}, "at": at(1)},
		map[string]any{"value": []any{4.0, "5", true}, "at": at(2)},
	)
	require.Equal(t, 200, msg.Code(LevelPoints), msg)

	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	points := pointsOf(t, msg)
	require.Len(t, points, 2)
	require.Equal(t, []any{int64(4), int64(5), int64(1)}, points[0]["value"])
	require.Equal(t, []any{int64(1), int64(-2), int64(3)}, points[1]["value"])
	require.Equal(t, at(1), points[1]["at"])

	pd := msg["points-details"].(map[string]any)
	require.Equal(t, []any{1.0, -2.0, 1.0}, pd["min-value"])
	require.Equal(t, []any{4.0, 5.0, 3.0}, pd["max-value"])

	msg = ts.write(t, map[string]any{"value": []any{1, 2}})
	require.Equal(t, 406, msg.Code(LevelPoints))
	require.Equal(t, "Stream local.sensor1.temp Point Value Not integer", msg["points-error"])
}

func TestAtto_Store_Points_DeleteExcept(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)
	for i := range 10 {
		ts.write(t, map[string]any{"value": i, "at": at(i)})
	}

	msg := ts.do(t, map[string]any{"points": map[string]any{"except": 20}}, OpDelete, LevelPoints, "local", "sensor1", "temp")
	require.Equal(t, 200, msg.Code(LevelPoints), msg)
	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	require.Len(t, pointsOf(t, msg), 10)

	msg = ts.do(t, map[string]any{"points": map[string]any{"except": 3}}, OpDelete, LevelPoints, "local", "sensor1", "temp")
	require.Equal(t, "Points local.sensor1.temp.points Deleted", msg["points-message"])
	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	points := pointsOf(t, msg)
	require.Len(t, points, 3)
	require.Equal(t, at(9), points[0]["at"])
	require.Equal(t, at(7), points[2]["at"])

	msg = ts.do(t, map[string]any{"points": map[string]any{"except": 0}}, OpDelete, LevelPoints, "local", "sensor1", "temp")
	require.Equal(t, 200, msg.Code(LevelPoints))
	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	require.Empty(t, pointsOf(t, msg))
}

func TestAtto_Store_Points_DeleteBounds(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)
	for i := range 6 {
		ts.write(t, map[string]any{"value": i, "at": at(i)})
	}

	msg := ts.do(t, map[string]any{"points": map[string]any{"before": at(4), "after": at(1)}}, OpDelete, LevelPoints, "local", "sensor1", "temp")
	require.Equal(t, 200, msg.Code(LevelPoints), msg)

	msg = ts.do(t, nil, OpRead, LevelPoints, "local", "sensor1", "temp")
	var got []string
	for _, p := range pointsOf(t, msg) {
		got = append(got, p["at"].(string))
	}
	require.Equal(t, []string{at(5), at(4), at(1), at(0)}, got)
}

func TestAtto_Store_Points_Search(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "f", 0)
	for i := range 10 {
		ts.write(t, map[string]any{"value": float64(i * i), "at": at(i)})
	}

	tests := []struct {
		name    string
		opts    map[string]any
		wantAts []string
		wantMin any
		wantMax any
	}{
		{
			name:    "inclusive window newest first",
			opts:    map[string]any{"start": at(2), "end": at(4)},
			wantAts: []string{at(4), at(3), at(2)},
			wantMin: 4.0,
			wantMax: 16.0,
		},
		{
			name:    "limit",
			opts:    map[string]any{"limit": 2},
			wantAts: []string{at(9), at(8)},
			wantMin: 64.0,
			wantMax: 81.0,
		},
		{
			name:    "single point has no search bounds",
			opts:    map[string]any{"start": at(9)},
			wantAts: []string{at(9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ts.do(t, map[string]any{"points": tt.opts}, OpSearch, LevelPoints, "local", "sensor1", "temp")
			require.Equal(t, 200, msg.Code(LevelPoints), msg)
			require.Equal(t, "Points local.sensor1.temp.points Searched", msg["points-message"])
			var got []string
			for _, p := range pointsOf(t, msg) {
				got = append(got, p["at"].(string))
			}
			require.Equal(t, tt.wantAts, got)
			pd := msg["points-details"].(map[string]any)
			if tt.wantMin == nil {
				require.NotContains(t, pd, "search-min-value")
				return
			}
			require.Equal(t, tt.wantMin, pd["search-min-value"])
			require.Equal(t, tt.wantMax, pd["search-max-value"])
		})
	}
}

func TestAtto_Store_Update_ShallowMerge(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "s", 0)
	ts.clock.Advance(time.Minute)

	msg := ts.do(t, map[string]any{"object-details": map[string]any{"object-name": "Renamed", "room": "lab"}}, OpUpdate, LevelObject, "local", "sensor1")
	require.Equal(t, 200, msg.Code(LevelObject), msg)
	require.Equal(t, "Object local.sensor1 Updated", msg["object-message"])
	require.Equal(t, "sensor1", msg["object-id"])
	require.Equal(t, map[string]any{"object-name": "Renamed", "room": "lab", "updated-at": "2024-01-01T00:01:00.000000Z"}, msg["object-details"])

	msg = ts.do(t, nil, OpRead, LevelObject, "local", "sensor1")
	details := msg["object-details"].(map[string]any)
	require.Equal(t, "Renamed", details["object-name"])
	require.Equal(t, "2024-01-01T00:00:00.000000Z", details["created-at"])

	streams := msg["streams"].(map[string]any)
	require.Contains(t, streams, "temp")
}

func TestAtto_Store_ReadNetwork_EmbedsLatestPoints(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)
	for i := range 7 {
		ts.write(t, map[string]any{"value": i, "at": at(i)})
	}

	msg := ts.do(t, nil, OpRead, LevelNetwork, "local")
	require.Equal(t, 200, msg.Code(LevelNetwork), msg)
	require.Equal(t, "local", msg["network-id"])
	objects := msg["objects"].(map[string]any)
	sensor := objects["sensor1"].(map[string]any)
	require.Equal(t, "sensor1", sensor["object-id"])
	stream := sensor["streams"].(map[string]any)["temp"].(map[string]any)
	require.Equal(t, "temp", stream["stream-id"])
	points := stream["points"].([]any)
	require.Len(t, points, embeddedReadLimit)
	require.Equal(t, at(6), points[0].(map[string]any)["at"])
}

func TestAtto_Store_InvalidRequests(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	tests := []struct {
		name  string
		req   map[string]any
		op    Op
		level Level
		ids   []string
		code  int
		key   string
		text  string
	}{
		{name: "bad id", req: map[string]any{"network-details": map[string]any{}}, op: OpCreate, level: LevelNetwork, ids: []string{"a.b"}, code: 400, key: "network-error", text: "Invalid request"},
		{name: "wrong id count", op: OpRead, level: LevelStream, ids: []string{"local"}, code: 400, key: "stream-error", text: "Invalid request"},
		{name: "bad points type", req: map[string]any{"stream-details": map[string]any{}, "points-details": map[string]any{"points-type": "q", "points-length": 0}}, op: OpCreate, level: LevelStream, ids: []string{"local", "sensor1", "x"}, code: 400, key: "stream-error", text: "Invalid request"},
		{name: "search network", op: OpSearch, level: LevelNetwork, ids: []string{"local"}, code: 400, key: "network-error", text: "Network request could not be completed"},
		{name: "points create", op: OpCreate, level: LevelPoints, ids: []string{"local", "sensor1", "missing"}, code: 400, key: "points-error", text: "Points request could not be completed"},
		{name: "points create on existing stream", op: OpCreate, level: LevelPoints, ids: []string{"local", "sensor1", "temp"}, code: 400, key: "points-error", text: "Points request could not be completed"},
		{name: "missing stream", op: OpRead, level: LevelStream, ids: []string{"local", "sensor1", "missing"}, code: 404, key: "stream-error", text: "Stream local.sensor1.missing does not exist and read request cannot be completed."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ts.do(t, tt.req, tt.op, tt.level, tt.ids...)
			require.Equal(t, tt.code, msg.Code(tt.level), msg)
			require.Equal(t, tt.text, msg[tt.key])
		})
	}

	msg := ts.do(t, map[string]any{"network-details": "nope"}, OpCreate, LevelNetwork, "other")
	require.NotEmpty(t, msg["schema-error"])
}

func TestAtto_Store_StreamDelete(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "f", 0)
	ts.write(t, map[string]any{"value": 1.5})

	msg := ts.do(t, nil, OpDelete, LevelStream, "local", "sensor1", "temp")
	require.Equal(t, "Stream local.sensor1.temp Deleted", msg["stream-message"])
	require.False(t, ts.tableExists(t, "local.sensor1.temp"))
	_, cached := ts.getCachedTable("local.sensor1.temp")
	require.False(t, cached)

	// Same id, new shape.
	msg = ts.do(t, map[string]any{
		"stream-details": map[string]any{},
		"points-details": map[string]any{"points-type": "s", "points-length": 0},
	}, OpCreate, LevelStream, "local", "sensor1", "temp")
	require.Equal(t, 201, msg.Code(LevelStream), msg)
	msg = ts.write(t, map[string]any{"value": 1.5})
	require.Equal(t, 200, msg.Code(LevelPoints), msg)
	require.Equal(t, "1.5", pointsOf(t, msg)[0]["value"])
}

func TestAtto_Store_StreamCreate_LengthCapped(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	create := func(id string, length any) Message {
		return ts.do(t, map[string]any{
			"stream-details": map[string]any{},
			"points-details": map[string]any{"points-type": "i", "points-length": length},
		}, OpCreate, LevelStream, "local", "sensor1", id)
	}

	for _, length := range []any{float64(1 << 50), 1025, 1_000_000_000} {
		var msg Message
		require.NotPanics(t, func() { msg = create("wide", length) })
		require.Equal(t, 400, msg.Code(LevelStream), msg)
		require.Equal(t, "Invalid request", msg["stream-error"])
		require.False(t, ts.tableExists(t, "local.sensor1.wide"))
	}

	msg := create("widest", schema.MaxPointsLength)
	require.Equal(t, 201, msg.Code(LevelStream), msg)

	_, _, err := pointsShape(map[string]any{"points-type": "i", "points-length": json.Number("2000")})
	require.Error(t, err)
	_, _, err = pointsShape(map[string]any{"points-type": "i", "points-length": 1e300})
	require.Error(t, err)
}

func TestAtto_Store_StreamCreate_NameTooLong(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	object := strings.Repeat("o", 40)
	msg := ts.do(t, map[string]any{"object-details": map[string]any{}}, OpCreate, LevelObject, "local", object)
	require.Equal(t, 201, msg.Code(LevelObject), msg)

	create := func(id string) Message {
		return ts.do(t, map[string]any{
			"stream-details": map[string]any{},
			"points-details": map[string]any{"points-type": "f", "points-length": 0},
		}, OpCreate, LevelStream, "local", object, id)
	}

	// local.<40>.<16> is exactly 63 bytes.
	fits := strings.Repeat("s", 16)
	msg = create(fits)
	require.Equal(t, 201, msg.Code(LevelStream), msg)

	// Both share the first 63 bytes with each other.
	for _, id := range []string{strings.Repeat("s", 30) + "a", strings.Repeat("s", 30) + "b"} {
		msg = create(id)
		require.Equal(t, 400, msg.Code(LevelStream), msg)
		require.Equal(t, "Invalid request", msg["stream-error"])
		require.Contains(t, msg["schema-error"], "longer than 63 bytes")

		msg = ts.do(t, map[string]any{"points": []any{map[string]any{"value": 1.0}}}, OpUpdate, LevelPoints, "local", object, id)
		require.Equal(t, 400, msg.Code(LevelPoints), msg)
	}

	msg = ts.do(t, nil, OpRead, LevelStream, "local", object, fits)
	require.Equal(t, 200, msg.Code(LevelStream), msg)
}

func TestAtto_Store_TableCache_SweepsExpired(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.cfg.TableCacheTTL = 10 * time.Millisecond

	expired := make(chan string, 4)
	ts.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, any]) {
		if reason == ttlcache.EvictionReasonExpired {
			expired <- item.Key()
		}
	})

	ts.setCachedTable(schema.Placeholder("local.sensor1.a"))
	time.Sleep(30 * time.Millisecond)
	_, ok := ts.getCachedTable("local.sensor1.a")
	require.False(t, ok)

	ts.setCachedTable(schema.Placeholder("local.sensor1.b"))
	select {
	case key := <-expired:
		require.Equal(t, tableCacheKey("local.sensor1.a"), key)
	case <-time.After(2 * time.Second):
		t.Fatal("expired descriptor was not evicted")
	}
	_, ok = ts.getCachedTable("local.sensor1.b")
	require.True(t, ok)
}

func TestAtto_Store_ConcurrentWrites_KeepBounds(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)

	var wg sync.WaitGroup
	codes := make([]int, 20)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := map[string]any{"points": []any{map[string]any{"value": i - 10, "at": at(i)}}}
			codes[i] = ts.Do(context.Background(), req, OpUpdate, LevelPoints, []string{"local", "sensor1", "temp"}).Code(LevelPoints)
		}()
	}
	wg.Wait()
	for i, code := range codes {
		require.Equal(t, 200, code, "write %d", i)
	}

	msg := ts.do(t, nil, OpRead, LevelStream, "local", "sensor1", "temp")
	pd := msg["points-details"].(map[string]any)
	require.EqualValues(t, -10, pd["min-value"])
	require.EqualValues(t, 9, pd["max-value"])
	require.Equal(t, at(19), msg["points-current"].(map[string]any)["at"])
}

func TestAtto_Store_PublishesMutations(t *testing.T) {
	t.Parallel()

	ts := newTestStore(t)
	ts.seed(t, "i", 0)
	ts.write(t, map[string]any{"value": 1})
	ts.do(t, nil, OpRead, LevelNetwork, "local")
	ts.do(t, map[string]any{"network-details": map[string]any{}}, OpCreate, LevelNetwork, "local")

	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.Len(t, ts.events, 4)
	last := ts.events[3]
	require.Equal(t, "update", last.Op)
	require.Equal(t, "points", last.Level)
	require.Equal(t, "local.sensor1.temp", last.Key())
	require.Equal(t, 200, last.Message["points-code"])
}
