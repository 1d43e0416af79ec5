package policy

import (
	"fmt"

	"github.com/Rajchodisetti/tradegate/internal/deviation"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// Halter is the part of the gate an escalation policy needs.
type Halter interface {
	Activate(reason string) error
}

// HaltOnEscalation turns a deviation escalation into a kill-switch activation.
// Detection and enforcement stay separate; installing this handler is the
// operator's choice (policy.halt_on_escalation).
func HaltOnEscalation(h Halter) func(deviation.Escalation) {
	return func(esc deviation.Escalation) {
		reason := fmt.Sprintf("deviation escalation: %d consecutive alerts (alert %s)", esc.ConsecutiveCount, esc.Alert.ID)
		if err := h.Activate(reason); err != nil {
			// The halt is in effect even when it could not be persisted.
			observ.Critical("escalation_halt_error", map[string]any{
				"alert_id": esc.Alert.ID,
				"error":    err.Error(),
			})
			return
		}
		observ.Critical("escalation_halt", map[string]any{
			"alert_id":          esc.Alert.ID,
			"consecutive_count": esc.ConsecutiveCount,
		})
	}
}
