package server

import (
	"context"
	"errors"
	"time"

	"github.com/wallflowercc/wallflower-atto/internal/atto"
	"github.com/wallflowercc/wallflower-atto/internal/schema"
)

const (
	defaultRequestTimeout  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodySize     = 1 << 20 // 1 MiB
)

// Gateway is the request entry point of the store.
type Gateway interface {
	Do(ctx context.Context, req map[string]any, op atto.Op, level atto.Level, ids []string) atto.Message
}

type Config struct {
	Gateway     Gateway
	NetworkID   string
	NetworkName string

	// Optional configuration.
	AllowedOrigins  []string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	MaxBodySize     int64
}

func (c *Config) Validate() error {
	if c.Gateway == nil {
		return errors.New("gateway is required")
	}
	if !schema.ValidID(c.NetworkID) {
		return errors.New("network id is required")
	}

	// Optional configuration.
	if c.NetworkName == "" {
		c.NetworkName = c.NetworkID
	}
	if c.AllowedOrigins == nil {
		c.AllowedOrigins = []string{"*"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	return nil
}
