package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
)

type EventType string

const (
	RecoveryUpdated EventType = "recovery.updated"
	RecoveryDeleted EventType = "recovery.deleted"
	WorkoutUpdated  EventType = "workout.updated"
	WorkoutDeleted  EventType = "workout.deleted"
	SleepUpdated    EventType = "sleep.updated"
	SleepDeleted    EventType = "sleep.deleted"
)

func (t EventType) Resource() dataapi.Resource {
	resource, _, _ := strings.Cut(string(t), ".")
	return dataapi.Resource(resource)
}

func (t EventType) IsDeletion() bool {
	return strings.HasSuffix(string(t), ".deleted")
}

type Event struct {
	UserID     int64     `json:"user_id"`
	ObjectID   string    `json:"id"`
	Type       EventType `json:"type"`
	TraceID    string    `json:"trace_id"`
	ReceivedAt time.Time `json:"received_at"`
}

const eventSchemaURL = "whooprelay://schemas/webhook-event.json"

const eventSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user_id", "id", "type", "trace_id"],
  "properties": {
    "user_id": {"type": "integer", "minimum": 1},
    "id": {"type": ["string", "integer"], "minLength": 1},
    "type": {"enum": [
      "recovery.updated", "recovery.deleted",
      "workout.updated", "workout.deleted",
      "sleep.updated", "sleep.deleted"
    ]},
    "trace_id": {"type": "string", "minLength": 1}
  }
}`

var eventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile(eventSchemaURL)
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseEvent validates and decodes a verified webhook body.
func ParseEvent(body []byte, receivedAt time.Time) (Event, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Event{}, fmt.Errorf("decode webhook body: %w", err)
	}
	if err := eventSchema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("webhook body: %w", err)
	}
	var raw struct {
		UserID  int64           `json:"user_id"`
		ID      json.RawMessage `json:"id"`
		Type    string          `json:"type"`
		TraceID string          `json:"trace_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Event{}, fmt.Errorf("decode webhook body: %w", err)
	}
	var objectID string
	if err := json.Unmarshal(raw.ID, &objectID); err != nil {
		objectID = string(raw.ID)
	}
	return Event{
		UserID:     raw.UserID,
		ObjectID:   objectID,
		Type:       EventType(raw.Type),
		TraceID:    raw.TraceID,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}
