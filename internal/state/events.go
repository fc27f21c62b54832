package state

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kantinekoning/agent/internal/ws"
)

// Event types pushed to presentation-layer subscribers.
const (
	eventEnrollmentsChanged = "enrollments_changed"
	eventShiftsChanged      = "shifts_changed"
	eventPhaseChanged       = "phase_changed"
	eventReset              = "reset"
)

// Event is the wire form of a state-change notification.
type Event struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id,omitempty"`
	Phase    string    `json:"phase"`
	At       time.Time `json:"at"`
}

// publish broadcasts a state-change event. Callers hold the mutex; the hub
// hands the payload to its own goroutine so this never blocks on slow
// subscribers.
func (c *Container) publish(eventType, tenantID string) {
	if c.hub == nil {
		return
	}
	evt := Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		TenantID: tenantID,
		Phase:    c.phase,
		At:       c.now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		c.logger.Warn("encode state event failed", "error", err)
		return
	}
	topic := tenantID
	if topic == "" {
		topic = ws.TopicAll
	}
	c.hub.Broadcast(topic, payload)
}
