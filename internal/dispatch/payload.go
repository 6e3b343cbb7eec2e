package dispatch

import (
	"time"

	"github.com/hooksmith/hooksmith/internal/domain"
)

// Origin identifies the inbound webhook-originated write that caused a
// domain change. Callers suppress Notify entirely for such writes; when
// they choose to notify anyway, the origin is threaded through the payload
// metadata as source_trigger so receivers can detect loops themselves.
type Origin struct {
	NodeID     string    `json:"node_id"`
	WorkflowID string    `json:"workflow_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Payload is the outbound webhook body. Exactly one of Model or EventClass
// is set, depending on the subscription kind.
type Payload struct {
	Event      string         `json:"event"`
	Model      string         `json:"model,omitempty"`
	EventClass string         `json:"event_class,omitempty"`
	Timestamp  string         `json:"timestamp"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// buildPayload assembles the notification body for one subscription,
// restricting the snapshot to the subscription's watched properties when
// set.
func buildPayload(sub *domain.Subscription, event string, snapshot map[string]any, meta map[string]any, origin *Origin, now time.Time) Payload {
	p := Payload{
		Event:     event,
		Timestamp: now.UTC().Format(time.RFC3339),
		Data:      filterProperties(snapshot, sub.WatchedProperties),
	}
	if sub.IsEventSubscription() {
		p.EventClass = sub.TargetClass
	} else {
		p.Model = sub.TargetClass
	}

	if len(meta) > 0 || origin != nil {
		p.Metadata = make(map[string]any, len(meta)+1)
		for k, v := range meta {
			p.Metadata[k] = v
		}
		if origin != nil {
			p.Metadata["source_trigger"] = origin
		}
	}
	return p
}

func filterProperties(snapshot map[string]any, watched []string) map[string]any {
	if len(watched) == 0 {
		return snapshot
	}
	filtered := make(map[string]any, len(watched))
	for _, key := range watched {
		if val, ok := snapshot[key]; ok {
			filtered[key] = val
		}
	}
	return filtered
}
