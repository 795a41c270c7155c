// Package diagnostics records the relay's observable side effects: fields dropped
// during normalization, temperature overrides, relay outcomes, and warnings that
// should only be logged once per process.
package diagnostics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chat_relay"

// Drop kinds reported by the normalizer and projectors.
const (
	DropMessageRole    = "message_role"
	DropMessageContent = "message_content"
	DropMessageShape   = "message_shape"
	DropImageEntry     = "image_entry"
	DropImageDataURI   = "image_data_uri"
	DropParam          = "param"
)

// Diagnostics is process-wide and safe for concurrent use.
type Diagnostics struct {
	dropped              *prometheus.CounterVec
	temperatureOverrides *prometheus.CounterVec
	modelFallbacks       *prometheus.CounterVec
	relayOutcomes        *prometheus.CounterVec

	mu     sync.Mutex
	warned map[string]struct{}
}

// New registers the relay counters on reg. A nil reg gets a private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Diagnostics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Diagnostics{
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Client payload elements dropped during normalization, by kind.",
		}, []string{"kind"}),
		temperatureOverrides: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "temperature_overrides_total",
			Help:      "Requests whose temperature was forced to 1, by provider.",
		}, []string{"provider"}),
		modelFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Requests whose model was replaced with the configured default, by provider.",
		}, []string{"provider"}),
		relayOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_outcomes_total",
			Help:      "Terminal states reached by stream relays.",
		}, []string{"provider", "state", "reason"}),
		warned: make(map[string]struct{}),
	}
}

// Nop returns diagnostics backed by a throwaway registry.
func Nop() *Diagnostics {
	return New(nil)
}

// Dropped counts one dropped element of the given kind.
func (d *Diagnostics) Dropped(kind string) {
	if d == nil {
		return
	}
	d.dropped.WithLabelValues(kind).Inc()
}

// TemperatureOverridden counts a forced unity temperature.
func (d *Diagnostics) TemperatureOverridden(provider string) {
	if d == nil {
		return
	}
	d.temperatureOverrides.WithLabelValues(provider).Inc()
}

// ModelFallback counts a requested model replaced by the default.
func (d *Diagnostics) ModelFallback(provider string) {
	if d == nil {
		return
	}
	d.modelFallbacks.WithLabelValues(provider).Inc()
}

// RelayOutcome counts a relay reaching a terminal state.
func (d *Diagnostics) RelayOutcome(provider, state, reason string) {
	if d == nil {
		return
	}
	d.relayOutcomes.WithLabelValues(provider, state, reason).Inc()
}

// WarnOnce logs msg at warn level the first time kind is seen and reports
// whether it logged.
func (d *Diagnostics) WarnOnce(kind, msg string, args ...any) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	_, seen := d.warned[kind]
	if !seen {
		d.warned[kind] = struct{}{}
	}
	d.mu.Unlock()

	if seen {
		return false
	}
	slog.Warn(msg, args...)
	return true
}
