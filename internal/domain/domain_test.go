package domain_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// ---------------------------------------------------------------------------
// Event union — decode dispatch on the numeric type tag.
// ---------------------------------------------------------------------------

func TestDecodeEvent_Dispatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantNet bool
	}{
		{name: "full snapshot is a dom event", raw: `{"type":2,"timestamp":100,"data":{"node":{}}}`, wantNet: false},
		{name: "incremental is a dom event", raw: `{"type":3,"timestamp":200,"data":{"source":1}}`, wantNet: false},
		{name: "type 7 is a network record", raw: `{"type":7,"id":"r1","timestamp":250,"duration":12,"method":"GET","url":"https://x/y"}`, wantNet: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e, err := domain.DecodeEvent(json.RawMessage(tt.raw))
			require.NoError(t, err)

			_, isNet := e.(domain.NetworkRecord)
			assert.Equal(t, tt.wantNet, isNet)
		})
	}
}

func TestDomEvent_Source(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		event      domain.DomEvent
		wantSource domain.IncrementalSource
		wantOK     bool
	}{
		{
			name:       "mousemove incremental",
			event:      domain.DomEvent{Type: domain.EventIncrementalSnapshot, Data: map[string]any{"source": float64(1)}},
			wantSource: domain.SourceMouseMove,
			wantOK:     true,
		},
		{
			name:   "meta event has no source",
			event:  domain.DomEvent{Type: domain.EventMeta, Data: map[string]any{"href": "https://a"}},
			wantOK: false,
		},
		{
			name:   "incremental without source field",
			event:  domain.DomEvent{Type: domain.EventIncrementalSnapshot, Data: map[string]any{}},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src, ok := tt.event.Source()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantSource, src)
			}
		})
	}
}

func TestDomEvent_IsInteractive(t *testing.T) {
	t.Parallel()

	interactive := []domain.IncrementalSource{
		domain.SourceMouseMove,
		domain.SourceScroll,
		domain.SourceInput,
		domain.SourceTouchMove,
		domain.SourceMediaInteraction,
		domain.SourceDrag,
	}
	passive := []domain.IncrementalSource{
		domain.SourceMutation,
		domain.SourceMouseInteraction,
		domain.SourceViewportResize,
	}

	for _, src := range interactive {
		e := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Data: map[string]any{"source": float64(src)}}
		assert.True(t, e.IsInteractive(), "source %d should be interactive", src)
	}
	for _, src := range passive {
		e := domain.DomEvent{Type: domain.EventIncrementalSnapshot, Data: map[string]any{"source": float64(src)}}
		assert.False(t, e.IsInteractive(), "source %d should not be interactive", src)
	}
}

func TestDomEvent_IsInternalLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		event domain.DomEvent
		want  bool
	}{
		{
			name: "console plugin record with marker",
			event: domain.DomEvent{
				Type: domain.EventPlugin,
				Data: map[string]any{
					"plugin": domain.ConsolePluginName,
					"payload": map[string]any{
						"level":   "debug",
						"payload": []any{"[Perceptr] flush scheduled"},
					},
				},
			},
			want: true,
		},
		{
			name: "console plugin record without marker",
			event: domain.DomEvent{
				Type: domain.EventPlugin,
				Data: map[string]any{
					"plugin": domain.ConsolePluginName,
					"payload": map[string]any{
						"payload": []any{"user log line"},
					},
				},
			},
			want: false,
		},
		{
			name: "other plugin with marker text",
			event: domain.DomEvent{
				Type: domain.EventPlugin,
				Data: map[string]any{
					"plugin": "rrweb/sequential-id@1",
					"payload": map[string]any{
						"payload": []any{"[Perceptr] not console"},
					},
				},
			},
			want: false,
		},
		{
			name: "non-string first argument",
			event: domain.DomEvent{
				Type: domain.EventPlugin,
				Data: map[string]any{
					"plugin": domain.ConsolePluginName,
					"payload": map[string]any{
						"payload": []any{float64(42)},
					},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.event.IsInternalLog())
		})
	}
}

// ---------------------------------------------------------------------------
// Batch round-trip — serialize, parse back, order and fields preserved.
// ---------------------------------------------------------------------------

func TestBatch_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	original := domain.Batch{
		SessionID:      "s-1",
		BatchID:        "b-1",
		IsSessionEnded: true,
		StartTime:      100,
		EndTime:        400,
		Size:           512,
		Data: []domain.Event{
			domain.DomEvent{Type: domain.EventFullSnapshot, Timestamp: 100, Data: map[string]any{"node": "root"}},
			domain.DomEvent{Type: domain.EventIncrementalSnapshot, Timestamp: 200, Data: map[string]any{"source": float64(3)}},
			domain.NetworkRecord{
				Type:           domain.EventNetwork,
				ID:             "req-1",
				Timestamp:      250,
				Duration:       17,
				Method:         "POST",
				URL:            "https://api.example.com/v1/items",
				Status:         201,
				StatusText:     "Created",
				RequestHeaders: map[string]string{"content-type": "application/json"},
			},
			domain.DomEvent{Type: domain.EventMeta, Timestamp: 300, Data: map[string]any{"href": "https://app/home"}},
		},
		Metadata:     domain.Metadata{EventCount: 4, Compressed: false},
		UserIdentity: &domain.UserIdentity{DistinctID: "u-9", Traits: map[string]any{"plan": "pro"}},
	}

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded domain.Batch
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, original.SessionID, decoded.SessionID)
	assert.Equal(t, original.BatchID, decoded.BatchID)
	assert.Equal(t, original.IsSessionEnded, decoded.IsSessionEnded)
	assert.Equal(t, original.StartTime, decoded.StartTime)
	assert.Equal(t, original.EndTime, decoded.EndTime)
	assert.Equal(t, original.Metadata, decoded.Metadata)
	assert.Equal(t, original.UserIdentity.DistinctID, decoded.UserIdentity.DistinctID)

	require.Len(t, decoded.Data, 4)
	for i, e := range decoded.Data {
		assert.Equal(t, original.Data[i].Kind(), e.Kind(), "event %d kind", i)
		assert.Equal(t, original.Data[i].Time(), e.Time(), "event %d timestamp", i)
	}

	net, ok := decoded.Data[2].(domain.NetworkRecord)
	require.True(t, ok)
	assert.Equal(t, "req-1", net.ID)
	assert.Equal(t, 201, net.Status)
	assert.Equal(t, "application/json", net.RequestHeaders["content-type"])
}

// ---------------------------------------------------------------------------
// Cycle-safe size estimation.
// ---------------------------------------------------------------------------

func TestEstimateSize(t *testing.T) {
	t.Parallel()

	t.Run("matches plain json for acyclic values", func(t *testing.T) {
		t.Parallel()

		v := map[string]any{"a": float64(1), "b": []any{"x", "y"}}
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, len(raw), domain.EstimateSize(v))
	})

	t.Run("substitutes circular references", func(t *testing.T) {
		t.Parallel()

		cyclic := map[string]any{"name": "root"}
		cyclic["self"] = cyclic

		raw, err := domain.MarshalCycleSafe(cyclic)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"[Circular]"`)
		assert.Positive(t, domain.EstimateSize(cyclic))
	})

	t.Run("shared references are not circular", func(t *testing.T) {
		t.Parallel()

		shared := map[string]any{"k": "v"}
		v := map[string]any{"left": shared, "right": shared}

		raw, err := domain.MarshalCycleSafe(v)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "[Circular]")
	})

	t.Run("cyclic slice", func(t *testing.T) {
		t.Parallel()

		s := make([]any, 1)
		s[0] = s
		assert.Positive(t, domain.EstimateSize(map[string]any{"s": s}))
	})
}
