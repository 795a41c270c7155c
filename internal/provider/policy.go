package provider

import (
	"log/slog"
	"strings"

	"chat-relay/internal/diagnostics"
)

// UnityTemperature forces the sampling temperature to exactly 1 for model
// families that reject other values.
type UnityTemperature struct {
	Provider string
	Markers  []string
	Diag     *diagnostics.Diagnostics
}

// Matches reports whether model belongs to a unity-temperature family.
func (u UnityTemperature) Matches(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range u.Markers {
		if marker != "" && strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Apply returns the temperature to send upstream for model.
func (u UnityTemperature) Apply(model string, requested float64) float64 {
	if requested == 1 || !u.Matches(model) {
		return requested
	}
	slog.Info("temperature overridden for model family",
		"provider", u.Provider,
		"model", model,
		"requested", requested,
		"applied", 1,
	)
	u.Diag.TemperatureOverridden(u.Provider)
	return 1
}
