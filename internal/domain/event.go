package domain

import (
	"encoding/json"
	"strings"
)

// EventType is the numeric tag shared by every record on the session stream.
// Values 0-6 belong to the DOM recording primitive; 7 is reserved for
// network records so both kinds can share a single ordered stream.
type EventType int

const (
	EventDOMContentLoaded    EventType = 0
	EventLoad                EventType = 1
	EventFullSnapshot        EventType = 2
	EventIncrementalSnapshot EventType = 3
	EventMeta                EventType = 4
	EventCustom              EventType = 5
	EventPlugin              EventType = 6
	EventNetwork             EventType = 7
)

// IncrementalSource identifies the producer of an incremental snapshot.
type IncrementalSource int

const (
	SourceMutation         IncrementalSource = 0
	SourceMouseMove        IncrementalSource = 1
	SourceMouseInteraction IncrementalSource = 2
	SourceScroll           IncrementalSource = 3
	SourceViewportResize   IncrementalSource = 4
	SourceInput            IncrementalSource = 5
	SourceTouchMove        IncrementalSource = 6
	SourceMediaInteraction IncrementalSource = 7
	SourceDrag             IncrementalSource = 12
)

// activeSources are the incremental sources that count as user activity.
var activeSources = map[IncrementalSource]bool{
	SourceMouseMove:        true,
	SourceScroll:           true,
	SourceInput:            true,
	SourceTouchMove:        true,
	SourceMediaInteraction: true,
	SourceDrag:             true,
}

// ConsolePluginName is the plugin tag the console-capture plugin stamps on
// its records.
const ConsolePluginName = "rrweb/console@1"

// InternalLogMarker prefixes every log line the SDK itself writes to the
// console. Records carrying it are dropped before buffering to avoid a
// feedback loop with the console-capture plugin.
const InternalLogMarker = "[Perceptr]"

// Event is the tagged union carried by the session stream: either a
// DomEvent produced by the recording primitive or a NetworkRecord produced
// by the network tap. Consumers dispatch on Kind.
type Event interface {
	Kind() EventType
	Time() int64
}

// DomEvent is a raw record from the DOM recording primitive. The payload
// keeps the primitive's wire shape; helpers below decode the few fields the
// pipeline inspects.
type DomEvent struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e DomEvent) Kind() EventType { return e.Type }
func (e DomEvent) Time() int64     { return e.Timestamp }

// Source returns the incremental source tag, when present.
func (e DomEvent) Source() (IncrementalSource, bool) {
	if e.Type != EventIncrementalSnapshot {
		return 0, false
	}
	n, ok := numberField(e.Data, "source")
	if !ok {
		return 0, false
	}
	return IncrementalSource(n), true
}

// Href returns the page URL carried by a meta event, or "".
func (e DomEvent) Href() string {
	if e.Type != EventMeta {
		return ""
	}
	href, _ := e.Data["href"].(string)
	return href
}

// PluginName returns the plugin tag of a plugin event, or "".
func (e DomEvent) PluginName() string {
	if e.Type != EventPlugin {
		return ""
	}
	name, _ := e.Data["plugin"].(string)
	return name
}

// IsInteractive reports whether the event is an incremental snapshot from
// one of the user-interaction sources.
func (e DomEvent) IsInteractive() bool {
	src, ok := e.Source()
	return ok && activeSources[src]
}

// IsInternalLog reports whether the event is a console-plugin record whose
// first payload argument carries the SDK's own log marker.
func (e DomEvent) IsInternalLog() bool {
	if e.PluginName() != ConsolePluginName {
		return false
	}
	payload, ok := e.Data["payload"].(map[string]any)
	if !ok {
		return false
	}
	args, ok := payload["payload"].([]any)
	if !ok || len(args) == 0 {
		return false
	}
	first, ok := args[0].(string)
	if !ok {
		return false
	}
	return strings.Contains(first, InternalLogMarker)
}

// NetworkRecord is a sanitized outbound HTTP request/response pair. Type is
// always EventNetwork.
type NetworkRecord struct {
	Type            EventType         `json:"type"`
	ID              string            `json:"id"`
	Timestamp       int64             `json:"timestamp"`
	Duration        int64             `json:"duration"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status,omitempty"`
	StatusText      string            `json:"statusText,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     any               `json:"requestBody,omitempty"`
	ResponseBody    any               `json:"responseBody,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func (r NetworkRecord) Kind() EventType { return EventNetwork }
func (r NetworkRecord) Time() int64     { return r.Timestamp }

// DecodeEvent parses a single event record, dispatching on the numeric type
// tag: EventNetwork yields a NetworkRecord, anything else a DomEvent.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var tag struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	if tag.Type == EventNetwork {
		var r NetworkRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
	var e DomEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeEvents parses an ordered list of event records.
func DecodeEvents(raws []json.RawMessage) ([]Event, error) {
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		e, err := DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func numberField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
