package engine

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/slipway-io/slipway/sdk"
)

// EventType names the notifications the engine emits while a run executes.
type EventType string

var (
	EventStatusChanged EventType = "status_changed"
	EventLogUpdate     EventType = "log_update"
	EventRunComplete   EventType = "run_complete"
	EventPollError     EventType = "poll_error"
	EventPollTimeout   EventType = "poll_timeout"
)

// StepUpdate is the step-level payload of a log_update event. The log is a
// truncated preview; the full transcript is persisted on the run.
type StepUpdate struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	DurationSeconds int    `json:"duration_seconds"`
	LogPreview      string `json:"log_preview,omitempty"`
}

// Event is one notification about a run, published to the run's pipeline
// subject.
type Event struct {
	Type            EventType    `json:"type"`
	RunID           string       `json:"run_id"`
	Status          sdk.Status   `json:"status,omitempty"`
	PreviousStatus  sdk.Status   `json:"previous_status,omitempty"`
	OverallState    string       `json:"overall_state,omitempty"`
	Steps           []StepUpdate `json:"steps,omitempty"`
	DurationSeconds int          `json:"duration_seconds,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// Emitter fans events out to whoever observes a pipeline. Multiple
// subscribers per pipeline are expected; emission must not block the poll
// loop.
type Emitter interface {
	Emit(pipelineID int64, event Event)
}

// NewNATSEmitter publishes events as JSON on per-pipeline subjects
// (<prefix>.pipeline.<id>.events), so subscribing to a subject is joining
// that pipeline's room.
func NewNATSEmitter(nc *nats.Conn, prefix string, logger zerolog.Logger) *NATSEmitter {
	return &NATSEmitter{nc: nc, prefix: prefix, log: logger}
}

type NATSEmitter struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

func (e *NATSEmitter) Emit(pipelineID int64, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		e.log.Error().Err(err).Str("event", string(event.Type)).Msg("unable to encode event")
		return
	}

	subject := fmt.Sprintf("%s.pipeline.%d.events", e.prefix, pipelineID)
	if err := e.nc.Publish(subject, payload); err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Msg("unable to publish event")
	}
}
