package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/wallflowercc/wallflower-atto/internal/atto"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

const (
	HealthzPath = "/healthz"

	formatJSON = "json"
	formatCSV  = "csv"
)

var pointTypes = map[string]bool{"i": true, "f": true, "s": true, "b": true}

type Handler struct {
	log *slog.Logger
	cfg Config
}

func NewHandler(log *slog.Logger, cfg Config) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}
	return &Handler{log: log, cfg: cfg}, nil
}

// Routes builds the router. Every route is served in a short form
// (/n/{nid}/o/{oid}/s/{sid}/p) and a long form
// (/networks/{nid}/objects/{oid}/streams/{sid}/points).
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(h.log.Handler(), slog.LevelDebug),
		NoColor: true,
	}))
	r.Use(Middleware)
	r.Use(h.recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))
	r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })
	r.Use(middleware.Timeout(h.cfg.RequestTimeout))

	r.Get(HealthzPath, h.healthzHandler)
	r.NotFound(h.notFoundHandler)
	r.MethodNotAllowed(h.notFoundHandler)

	for _, p := range []struct{ network, object, stream, points string }{
		{"/n", "/o", "/s", "/p"},
		{"/networks", "/objects", "/streams", "/points"},
	} {
		r.Route(p.network+"/{nid}", func(r chi.Router) {
			r.Use(h.checkNetwork)
			r.Get("/", h.readNetwork)
			r.Route(p.object+"/{oid}", func(r chi.Router) {
				r.Get("/", h.readObject)
				r.Put("/", h.createObject)
				r.Post("/", h.updateObject)
				r.Delete("/", h.deleteObject)
				r.Route(p.stream+"/{sid}", func(r chi.Router) {
					r.Get("/", h.readStream)
					r.Put("/", h.createStream)
					r.Post("/", h.updateStream)
					r.Delete("/", h.deleteStream)
					r.Get(p.points, h.searchPoints)
					r.Post(p.points, h.writePoints)
					r.Delete(p.points, h.deletePoints)
				})
			})
		})
	}
	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeCSV(w http.ResponseWriter, records [][]string) {
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.WriteAll(records)
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]any{"server-message": "Not a valid endpoint", "server-code": 404})
}

// recoverer reports a panic in the body like every other outcome, with a
// 200 status.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.log.Error("panic serving request",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", middleware.GetReqID(r.Context()),
				"panic", rec,
				"stack", string(debug.Stack()))
			h.writeJSON(w, map[string]any{"server-message": "An unknown internal error occured", "server-code": 500})
		}()
		next.ServeHTTP(w, r)
	})
}

func responseFormat(r *http.Request) string {
	q := r.URL.Query()
	format := formatJSON
	if v := q.Get("response-type"); v != "" {
		format = v
	}
	if v := q.Get("rt"); v != "" {
		format = v
	}
	return strings.ToLower(format)
}

func (h *Handler) checkNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "nid") == h.cfg.NetworkID {
			next.ServeHTTP(w, r)
			return
		}
		msg := atto.Message{
			"network-error": "The Wallflower-Atto server only allows for one network with the id " + h.cfg.NetworkID,
			"network-code":  400,
		}
		h.respond(w, r, atto.LevelNetwork, msg, false)
	})
}

// ids returns the path ids addressing an entity at level.
func ids(r *http.Request, level atto.Level) []string {
	all := []string{chi.URLParam(r, "nid"), chi.URLParam(r, "oid"), chi.URLParam(r, "sid")}
	return all[:level.Depth()]
}

// echo is the response skeleton carrying the ids from the path.
func echo(ids []string) atto.Message {
	msg := atto.Message{}
	for i, key := range []string{"network-id", "object-id", "stream-id"}[:len(ids)] {
		msg[key] = ids[i]
	}
	return msg
}

func (h *Handler) do(w http.ResponseWriter, r *http.Request, level atto.Level, op atto.Op, req map[string]any) {
	path := ids(r, level)
	msg := echo(path)
	maps.Copy(msg, h.cfg.Gateway.Do(r.Context(), req, op, level, path))
	h.respond(w, r, level, msg, level == atto.LevelPoints && op == atto.OpSearch)
}

// code returns the level's code, or the code of the ancestor that stopped
// the request.
func code(msg atto.Message, level atto.Level) int {
	if c := msg.Code(level); c != 0 {
		return c
	}
	for _, l := range []atto.Level{atto.LevelNetwork, atto.LevelObject, atto.LevelStream} {
		if c := msg.Code(l); c != 0 {
			return c
		}
	}
	return 0
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, level atto.Level, msg atto.Message, withPoints bool) {
	if responseFormat(r) != formatCSV {
		h.writeJSON(w, msg)
		return
	}

	c := code(msg, level)
	records := [][]string{{string(level)[:1] + "c", strconv.Itoa(c)}}
	if withPoints && c == 200 {
		points, _ := msg["points"].([]any)
		for _, p := range points {
			pm, _ := p.(map[string]any)
			at, _ := pm["at"].(string)
			records = append(records, []string{at, csvValue(pm["value"])})
		}
	}
	h.writeCSV(w, records)
}

// csvValue renders a point value; vector positions are joined with ';'.
func csvValue(v any) string {
	vec, ok := v.([]any)
	if !ok {
		return fmt.Sprint(v)
	}
	parts := make([]string, len(vec))
	for i, e := range vec {
		parts[i] = fmt.Sprint(e)
	}
	return strings.Join(parts, ";")
}

func (h *Handler) readNetwork(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelNetwork, atto.OpRead, nil)
}

func (h *Handler) readObject(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelObject, atto.OpRead, nil)
}

func (h *Handler) objectDetails(r *http.Request) map[string]any {
	name := chi.URLParam(r, "oid")
	if v := r.URL.Query().Get("object-name"); v != "" {
		name = v
	}
	return map[string]any{"object-details": map[string]any{"object-name": name}}
}

func (h *Handler) createObject(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelObject, atto.OpCreate, h.objectDetails(r))
}

func (h *Handler) updateObject(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelObject, atto.OpUpdate, h.objectDetails(r))
}

func (h *Handler) deleteObject(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelObject, atto.OpDelete, nil)
}

func (h *Handler) readStream(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelStream, atto.OpRead, nil)
}

func (h *Handler) createStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := chi.URLParam(r, "sid")
	if v := q.Get("stream-name"); v != "" {
		name = v
	}
	pointsType := "i"
	if v := q.Get("points-type"); pointTypes[v] {
		pointsType = v
	}
	length := 0
	if n, err := strconv.Atoi(q.Get("points-length")); err == nil && n >= 0 {
		length = n
	}
	h.do(w, r, atto.LevelStream, atto.OpCreate, map[string]any{
		"stream-details": map[string]any{"stream-name": name, "stream-type": "data"},
		"points-details": map[string]any{"points-type": pointsType, "points-length": length},
	})
}

func (h *Handler) updateStream(w http.ResponseWriter, r *http.Request) {
	details := map[string]any{}
	if v := r.URL.Query().Get("stream-name"); v != "" {
		details["stream-name"] = v
	}
	h.do(w, r, atto.LevelStream, atto.OpUpdate, map[string]any{"stream-details": details})
}

func (h *Handler) deleteStream(w http.ResponseWriter, r *http.Request) {
	h.do(w, r, atto.LevelStream, atto.OpDelete, nil)
}

func (h *Handler) searchPoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := map[string]any{}
	if n, err := strconv.Atoi(q.Get("points-limit")); err == nil {
		search["limit"] = n
	}
	if v := q.Get("points-start"); v != "" {
		search["start"] = v
	}
	if v := q.Get("points-end"); v != "" {
		search["end"] = v
	}
	h.do(w, r, atto.LevelPoints, atto.OpSearch, map[string]any{"points": search})
}

func (h *Handler) rejectPoints(w http.ResponseWriter, r *http.Request, code int, text string) {
	msg := echo(ids(r, atto.LevelPoints))
	msg["points-code"] = code
	msg["points-message"] = text
	h.respond(w, r, atto.LevelPoints, msg, false)
}

// writePoints takes one point from the points-value and points-at query
// parameters, or a batch from a {"points": [...]} JSON body.
func (h *Handler) writePoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("points-value") {
		p := map[string]any{"value": q.Get("points-value")}
		if q.Has("points-at") {
			at := q.Get("points-at")
			if _, err := schema.ParseTime(at); err != nil {
				h.rejectPoints(w, r, 400, "Invalid timestamp")
				return
			}
			p["at"] = at
		}
		h.do(w, r, atto.LevelPoints, atto.OpUpdate, map[string]any{"points": []any{p}})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.rejectPoints(w, r, 413, "Request body too large")
			return
		}
		h.rejectPoints(w, r, 400, "Failed to read body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		h.rejectPoints(w, r, 406, "No value received")
		return
	}
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		h.rejectPoints(w, r, 400, "Invalid JSON body")
		return
	}
	h.do(w, r, atto.LevelPoints, atto.OpUpdate, req)
}

func (h *Handler) deletePoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	del := map[string]any{}
	if n, err := strconv.Atoi(q.Get("points-except")); err == nil {
		del["except"] = n
	}
	if v := q.Get("points-before"); v != "" {
		del["before"] = v
	}
	if v := q.Get("points-after"); v != "" {
		del["after"] = v
	}
	h.do(w, r, atto.LevelPoints, atto.OpDelete, map[string]any{"points": del})
}
