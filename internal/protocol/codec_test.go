package protocol

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studyroom/internal/registry"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    UpdatePosition
		wantErr error
	}{
		{
			name:  "valid update",
			frame: `{"type":"updatePosition","email":"a@x.com","position":{"x":10,"y":20}}`,
			want:  UpdatePosition{ID: "a@x.com", Position: registry.Position{X: 10, Y: 20}},
		},
		{
			name:  "zero coordinates are valid",
			frame: `{"type":"updatePosition","email":"a@x.com","position":{"x":0,"y":0}}`,
			want:  UpdatePosition{ID: "a@x.com", Position: registry.Position{}},
		},
		{
			name:  "fractional and negative coordinates",
			frame: `{"type":"updatePosition","email":"b","position":{"x":-1.5,"y":2.25},"extra":true}`,
			want:  UpdatePosition{ID: "b", Position: registry.Position{X: -1.5, Y: 2.25}},
		},
		{name: "plain text", frame: `hello there`, wantErr: ErrMalformed},
		{name: "truncated json", frame: `{"type":"updatePosition"`, wantErr: ErrMalformed},
		{name: "json array", frame: `[1,2,3]`, wantErr: ErrMalformed},
		{name: "wrong field type", frame: `{"type":"updatePosition","email":"a","position":{"x":"10","y":1}}`, wantErr: ErrMalformed},
		{name: "json null", frame: `null`, wantErr: ErrMissingType},
		{name: "missing type", frame: `{"email":"a","position":{"x":1,"y":1}}`, wantErr: ErrMissingType},
		{name: "unknown type", frame: `{"type":"chat","email":"a"}`, wantErr: ErrUnknownType},
		{name: "missing email", frame: `{"type":"updatePosition","position":{"x":1,"y":1}}`, wantErr: ErrInvalidPayload},
		{name: "missing position", frame: `{"type":"updatePosition","email":"a"}`, wantErr: ErrInvalidPayload},
		{name: "missing y", frame: `{"type":"updatePosition","email":"a","position":{"x":1}}`, wantErr: ErrInvalidPayload},
		{name: "invalid utf-8 in email", frame: "{\"type\":\"updatePosition\",\"email\":\"\xff\",\"position\":{\"x\":1,\"y\":1}}", wantErr: ErrInvalidPayload},
		{
			name:  "multibyte email kept intact",
			frame: `{"type":"updatePosition","email":"zoë@x.com","position":{"x":1,"y":1}}`,
			want:  UpdatePosition{ID: "zoë@x.com", Position: registry.Position{X: 1, Y: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeInbound([]byte(tt.frame))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodePositions(t *testing.T) {
	tests := []struct {
		name string
		snap registry.Snapshot
		want string
	}{
		{
			name: "single participant",
			snap: registry.Snapshot{"a@x.com": {X: 10, Y: 20}},
			want: `{"type":"positions","users":{"a@x.com":{"x":10,"y":20}}}`,
		},
		{
			name: "keys are sorted",
			snap: registry.Snapshot{"b@x.com": {X: 5, Y: 5}, "a@x.com": {X: 10, Y: 20}},
			want: `{"type":"positions","users":{"a@x.com":{"x":10,"y":20},"b@x.com":{"x":5,"y":5}}}`,
		},
		{
			name: "empty snapshot",
			snap: registry.Snapshot{},
			want: `{"type":"positions","users":{}}`,
		},
		{
			name: "nil snapshot",
			snap: nil,
			want: `{"type":"positions","users":{}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePositions(tt.snap)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestEncodeError(t *testing.T) {
	data, err := EncodeError(CodeRateLimited, "slow down")
	require.NoError(t, err)

	var msg map[string]string
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, map[string]string{"type": "error", "code": "rate_limited", "message": "slow down"}, msg)
}
