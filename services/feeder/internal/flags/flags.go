// Package flags reads runtime kill switches from the environment on
// every call, so an operator can flip them without a restart.
package flags

import (
	"strings"

	"github.com/spf13/viper"
)

// Flag — имя переключателя, env: FEEDER_FLAGS_<NAME>.
type Flag string

const (
	CandlesEnabled    Flag = "candles_enabled"
	IndicatorsEnabled Flag = "indicators_enabled"
	GCEnabled         Flag = "gc_enabled"
	OrdersGCEnabled   Flag = "orders_gc_enabled"
	FeederEnabled     Flag = "feeder_enabled"
)

// Source answers flag lookups.
type Source interface {
	Enabled(f Flag) bool
}

// Env is a Source over the process environment. Every flag defaults to on.
type Env struct {
	v *viper.Viper
}

// NewEnv creates the reader; prefix "" means FEEDER_FLAGS.
func NewEnv(prefix string) *Env {
	if prefix == "" {
		prefix = "FEEDER_FLAGS"
	}
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, f := range []Flag{CandlesEnabled, IndicatorsEnabled, GCEnabled, OrdersGCEnabled, FeederEnabled} {
		v.SetDefault(string(f), true)
	}
	return &Env{v: v}
}

// Enabled re-reads the environment; AutomaticEnv does not cache.
func (e *Env) Enabled(f Flag) bool {
	return e.v.GetBool(string(f))
}

// Static is a fixed Source for tests and one-shot commands.
type Static map[Flag]bool

// Enabled returns true for flags not present in the map.
func (s Static) Enabled(f Flag) bool {
	v, ok := s[f]
	return !ok || v
}
