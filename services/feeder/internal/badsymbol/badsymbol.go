// Package badsymbol is a per-series failure counter. Once a series hits
// the fringe every pipeline stage skips it until the cooldown passes
// without new failures.
package badsymbol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/YaganovValera/candle-feeder/services/feeder/internal/candle"
	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

const (
	DefaultFringe   = 5
	DefaultCooldown = 24 * time.Hour
)

// Entry хранится в hot store как JSON.
type Entry struct {
	Count     int   `json:"count"`
	Timestamp int64 `json:"timestamp"`
}

type Config struct {
	Fringe   int           `mapstructure:"fringe"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

func (c *Config) applyDefaults() {
	if c.Fringe <= 0 {
		c.Fringe = DefaultFringe
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
}

// Registry tracks failures per (exchange, symbol, timeframe).
type Registry struct {
	hot      hotstore.Storage
	fringe   int
	cooldown time.Duration
	now      func() time.Time
}

// New returns a Registry; nil now means time.Now.
func New(hot hotstore.Storage, cfg Config, now func() time.Time) *Registry {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	return &Registry{hot: hot, fringe: cfg.Fringe, cooldown: cfg.Cooldown, now: now}
}

func key(k candle.Key) string { return "bad:" + k.String() }

// Fringe is the failure count at which a series is skipped.
func (r *Registry) Fringe() int { return r.fringe }

// Count returns the live failure count; an entry older than the
// cooldown counts as zero even if the store has not expired it yet.
func (r *Registry) Count(ctx context.Context, k candle.Key) (int, error) {
	e, err := r.load(ctx, k)
	if err != nil {
		return 0, err
	}
	return e.Count, nil
}

// IsBad reports Count >= fringe.
func (r *Registry) IsBad(ctx context.Context, k candle.Key) (bool, error) {
	n, err := r.Count(ctx, k)
	if err != nil {
		return false, err
	}
	return n >= r.fringe, nil
}

// Mark records one more failure and restarts the cooldown.
func (r *Registry) Mark(ctx context.Context, k candle.Key) (int, error) {
	e, err := r.load(ctx, k)
	if err != nil {
		return 0, err
	}
	e.Count++
	e.Timestamp = r.now().UnixMilli()

	raw, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("badsymbol: encode %s: %w", k, err)
	}
	if err := r.hot.Set(ctx, key(k), raw, r.cooldown); err != nil {
		return 0, fmt.Errorf("badsymbol: mark %s: %w", k, err)
	}
	return e.Count, nil
}

// Reset forgets every failure of k.
func (r *Registry) Reset(ctx context.Context, k candle.Key) error {
	if err := r.hot.Delete(ctx, key(k)); err != nil {
		return fmt.Errorf("badsymbol: reset %s: %w", k, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, k candle.Key) (Entry, error) {
	raw, err := r.hot.Get(ctx, key(k))
	if errors.Is(err, hotstore.ErrNotFound) {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("badsymbol: get %s: %w", k, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// битая запись не должна навсегда блокировать символ
		return Entry{}, nil
	}
	if r.now().Sub(time.UnixMilli(e.Timestamp)) > r.cooldown {
		return Entry{}, nil
	}
	return e, nil
}
