package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventField(t *testing.T) {
	ev := NewEventBuilder().
		WithID("e1").
		WithSource("assistant").
		WithType("UserInteraction").
		WithDetail(map[string]interface{}{
			"interactionType": "voice",
			"audio": map[string]interface{}{
				"durationMs": 1200.0,
			},
		}).
		Build()

	tests := []struct {
		name  string
		path  string
		want  interface{}
		found bool
	}{
		{name: "source", path: "source", want: "assistant", found: true},
		{name: "type", path: "type", want: "UserInteraction", found: true},
		{name: "priority default", path: "priority", want: "normal", found: true},
		{name: "detail field", path: "detail.interactionType", want: "voice", found: true},
		{name: "nested detail", path: "detail.audio.durationMs", want: 1200.0, found: true},
		{name: "missing detail field", path: "detail.locale", found: false},
		{name: "path through scalar", path: "detail.interactionType.x", found: false},
		{name: "unknown top level", path: "tenant", found: false},
		{name: "empty correlation id", path: "correlation_id", want: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ev.Field(tt.path)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEventCloneIsDeep(t *testing.T) {
	ev := NewEventBuilder().
		WithDetail(map[string]interface{}{
			"nested": map[string]interface{}{"k": "v"},
			"list":   []interface{}{"a"},
		}).
		Build()

	clone := ev.Clone()
	clone.Detail["nested"].(map[string]interface{})["k"] = "changed"
	clone.Detail["list"].([]interface{})[0] = "b"

	assert.Equal(t, "v", ev.Detail["nested"].(map[string]interface{})["k"])
	assert.Equal(t, "a", ev.Detail["list"].([]interface{})[0])
}

func TestParseTargetRef(t *testing.T) {
	ref, err := ParseTargetRef("topic:alerts")
	require.NoError(t, err)
	assert.Equal(t, TopicTarget("alerts"), ref)

	ref, err = ParseTargetRef("voiceQueue")
	require.NoError(t, err)
	assert.Equal(t, QueueTarget("voiceQueue"), ref)

	_, err = ParseTargetRef("bucket:x")
	assert.Error(t, err)

	_, err = ParseTargetRef("queue:")
	assert.Error(t, err)
}

func TestValidateRawEvent(t *testing.T) {
	valid := RawEvent{Source: "assistant", Type: "UserInteraction", Detail: map[string]interface{}{}}
	assert.NoError(t, ValidateRawEvent(&valid))

	tests := []struct {
		name  string
		mut   func(r *RawEvent)
		field string
	}{
		{name: "missing source", mut: func(r *RawEvent) { r.Source = "" }, field: "source"},
		{name: "missing type", mut: func(r *RawEvent) { r.Type = "" }, field: "type"},
		{name: "nil detail", mut: func(r *RawEvent) { r.Detail = nil }, field: "detail"},
		{name: "bad priority", mut: func(r *RawEvent) { r.Priority = "urgent" }, field: "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mut(&r)
			err := ValidateRawEvent(&r)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
