package domain

import (
	"encoding/json"
	"fmt"
)

// Metadata travels with every uploaded batch.
type Metadata struct {
	EventCount int    `json:"eventCount"`
	Compressed bool   `json:"compressed"`
	SDKVersion string `json:"sdkVersion,omitempty"`
}

// UserIdentity is the identity attached by Identify.
type UserIdentity struct {
	DistinctID string         `json:"distinctId"`
	Traits     map[string]any `json:"traits,omitempty"`
}

// Batch is the atomic upload unit: a prefix of one session's event stream
// bounded by size, age, or termination.
//
// Invariants: Data is in enqueue order; EndTime is the clock reading at
// flush; successive batches of a session are contiguous
// (batch[n+1].StartTime == batch[n].EndTime); exactly one batch per session
// carries IsSessionEnded and it is the terminal one.
type Batch struct {
	SessionID      string        `json:"sessionId"`
	BatchID        string        `json:"batchId"`
	IsSessionEnded bool          `json:"isSessionEnded"`
	StartTime      int64         `json:"startTime"`
	EndTime        int64         `json:"endTime"`
	Size           int           `json:"size"`
	Data           []Event       `json:"data"`
	Metadata       Metadata      `json:"metadata"`
	UserIdentity   *UserIdentity `json:"userIdentity,omitempty"`
}

// UnmarshalJSON decodes the tagged event union in Data by numeric type.
func (b *Batch) UnmarshalJSON(raw []byte) error {
	type alias Batch
	aux := struct {
		*alias
		Data []json.RawMessage `json:"data"`
	}{alias: (*alias)(b)}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return fmt.Errorf("domain.Batch.UnmarshalJSON: %w", err)
	}
	events, err := DecodeEvents(aux.Data)
	if err != nil {
		return fmt.Errorf("domain.Batch.UnmarshalJSON: decode events: %w", err)
	}
	b.Data = events
	return nil
}

// PersistedBuffer is one durable entry of still-unsent events, written at
// unload or hidden-visibility and replayed on the next load.
type PersistedBuffer struct {
	SessionID        string        `json:"sessionId"`
	BatchID          string        `json:"batchId"`
	StartTime        int64         `json:"startTime"`
	EndTime          int64         `json:"endTime"`
	LastActivityTime int64         `json:"lastActivityTime"`
	Size             int           `json:"size"`
	Events           []Event       `json:"events"`
	UserIdentity     *UserIdentity `json:"userIdentity,omitempty"`
}

// UnmarshalJSON decodes the tagged event union in Events by numeric type.
func (p *PersistedBuffer) UnmarshalJSON(raw []byte) error {
	type alias PersistedBuffer
	aux := struct {
		*alias
		Events []json.RawMessage `json:"events"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return fmt.Errorf("domain.PersistedBuffer.UnmarshalJSON: %w", err)
	}
	events, err := DecodeEvents(aux.Events)
	if err != nil {
		return fmt.Errorf("domain.PersistedBuffer.UnmarshalJSON: decode events: %w", err)
	}
	p.Events = events
	return nil
}
