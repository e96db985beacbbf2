// Package atto is the Wallflower Atto request engine: a Network, Object and
// Stream hierarchy whose streams each own a dynamically typed points table.
//
// Every request enters through Store.Do, which validates the request shape,
// gates it on the existence of the addressed entity and its ancestors, and
// dispatches it to the hierarchy store or the points engine. Results are
// returned as a Message keyed by level, for example "stream-code".
package atto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/wallflowercc/wallflower-atto/internal/notify"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
	"github.com/wallflowercc/wallflower-atto/internal/validate"
)

const (
	defaultTableCacheTTL = 10 * time.Minute
	defaultReadPoolSize  = 8
)

type Op string

const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSearch Op = "search"
)

func (o Op) valid() bool {
	switch o {
	case OpCreate, OpRead, OpUpdate, OpDelete, OpSearch:
		return true
	}
	return false
}

func (o Op) mutating() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

type Level string

const (
	LevelNetwork Level = "network"
	LevelObject  Level = "object"
	LevelStream  Level = "stream"
	LevelPoints  Level = "points"
)

// Title is the capitalised level name used in message texts.
func (l Level) Title() string {
	if l == "" {
		return ""
	}
	return strings.ToUpper(string(l[:1])) + string(l[1:])
}

// Depth is the number of ids that address an entity at the level.
func (l Level) Depth() int {
	switch l {
	case LevelNetwork:
		return 1
	case LevelObject:
		return 2
	case LevelStream, LevelPoints:
		return 3
	}
	return 0
}

func (l Level) key(suffix string) string { return string(l) + "-" + suffix }

// Message is a gateway response.
type Message map[string]any

// Code returns the <level>-code entry, or 0 when it is unset.
func (m Message) Code(l Level) int {
	c, _ := m[l.key("code")].(int)
	return c
}

func (m Message) merge(o Message) {
	for k, v := range o {
		m[k] = v
	}
}

func (m Message) succeed(l Level, code int, text string) Message {
	m[l.key("message")] = text
	m[l.key("code")] = code
	return m
}

func (m Message) fail(l Level, code int, text string) Message {
	m[l.key("error")] = text
	m[l.key("code")] = code
	return m
}

type Config struct {
	Logger   *slog.Logger
	Engine   storage.Engine
	Clock    clockwork.Clock
	Notifier notify.Notifier

	TableCacheTTL time.Duration
	ReadPoolSize  int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Engine == nil {
		return errors.New("storage engine is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TableCacheTTL == 0 {
		c.TableCacheTTL = defaultTableCacheTTL
	}
	if c.ReadPoolSize == 0 {
		c.ReadPoolSize = defaultReadPoolSize
	}
	return nil
}

type Store struct {
	log       *slog.Logger
	cfg       *Config
	validator *validate.Validator
	locks     *keyedMutex

	cache *ttlcache.Cache[string, any]

	readPool pond.ResultPool[streamPoints]
}

// New creates the store and the metadata tables when they are missing.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("failed to build request validator: %w", err)
	}

	s := &Store{
		log:       cfg.Logger,
		cfg:       cfg,
		validator: v,
		locks:     newKeyedMutex(),
		cache: ttlcache.New(
			ttlcache.WithTTL[string, any](cfg.TableCacheTTL),
		),
		readPool: pond.NewResultPool[streamPoints](cfg.ReadPoolSize),
	}

	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to create metadata tables: %w", err)
	}
	return s, nil
}

// Close stops the read pool. It does not close the engine.
func (s *Store) Close() {
	s.readPool.StopAndWait()
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
}
