package entities

import (
	"encoding/json"
	"time"
)

// LogicalModel is a named capability backed by an ordered list of instances.
// Immutable after the registry is loaded.
type LogicalModel struct {
	Name          string
	Instances     []string          // failover order
	PhysicalNames map[string]string // instance name -> backend model name
}

// PhysicalName returns the backend model name configured for an instance.
func (m LogicalModel) PhysicalName(instance string) (string, bool) {
	name, ok := m.PhysicalNames[instance]
	return name, ok && name != ""
}

// ConnectionParams are the per-instance settings handed to an adapter factory.
type ConnectionParams struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Extra   map[string]string
}

// ModelInstance is a concrete backend endpoint.
type ModelInstance struct {
	Name   string
	Type   string
	Params ConnectionParams
}

// FailoverStatus is the outcome of one routing attempt.
type FailoverStatus string

const (
	FailoverSkipped FailoverStatus = "skipped"
	FailoverSuccess FailoverStatus = "success"
	FailoverFailed  FailoverStatus = "failed"
)

// FailoverEvent records one attempt against one instance.
type FailoverEvent struct {
	InstanceName      string         `json:"instance_name"`
	PhysicalModelName string         `json:"physical_model_name,omitempty"`
	Status            FailoverStatus `json:"status"`
	Error             string         `json:"error,omitempty"`
}

// CallType distinguishes chat and embedding calls in the call log.
type CallType string

const (
	CallChat  CallType = "chat"
	CallEmbed CallType = "embed"
)

// CallStatus is the terminal outcome of a routed call.
type CallStatus string

const (
	CallSuccess CallStatus = "success"
	CallFailure CallStatus = "failure"
)

// ModelIdentity is a deduplicated (instance, physical model) pair in the call log.
type ModelIdentity struct {
	ID                string
	InstanceName      string
	Type              string
	PhysicalModelName string
	BaseURL           string
	CreatedAt         time.Time
}

// CallRecord is the single persisted row describing one top-level routed call.
type CallRecord struct {
	ID               string
	LogicalModel     string
	Type             CallType
	Status           CallStatus
	IsStream         bool
	ModelID          string // empty when no instance served the call
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	EndedAt          time.Time
	FailoverEvents   []FailoverEvent
	ErrorMessage     string
}

// FailoverEventsJSON renders the failover events for storage.
func (r CallRecord) FailoverEventsJSON() string {
	events := r.FailoverEvents
	if events == nil {
		events = []FailoverEvent{}
	}
	data, err := json.Marshal(events)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Duration is the wall time between call start and the terminal record.
func (r CallRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
