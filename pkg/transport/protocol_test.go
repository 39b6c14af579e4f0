package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestNewSessionStart(t *testing.T) {
	ann := Announcement{
		SessionID: "0b0e1c9e-6a55-4a36-9a43-52f1d9b0f1aa",
		Format:    audio.StreamFormat{SampleRate: 44100, Channels: 1, BitDepth: 32, Encoding: audio.EncodingFloat32},
	}
	now := time.UnixMicro(1_700_000_000_123_456)

	got := NewSessionStart(ann, now)

	if got.Type != MessageTypeSessionStart {
		t.Errorf("Type = %q, want %q", got.Type, MessageTypeSessionStart)
	}
	if got.SessionID != ann.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, ann.SessionID)
	}
	if got.Timestamp != 1_700_000_000_123.456 {
		t.Errorf("Timestamp = %v, want 1700000000123.456", got.Timestamp)
	}

	// Channels and bit depth always describe the wire, not the capture.
	want := StreamMetadata{Format: "pcm", SampleRate: 44100, Channels: 2, BitDepth: 16}
	if got.Config.Metadata != want {
		t.Errorf("Metadata = %+v, want %+v", got.Config.Metadata, want)
	}
}

func TestSessionStart_JSONFieldNames(t *testing.T) {
	msg := NewSessionStart(Announcement{SessionID: "s", Format: audio.StreamFormat{SampleRate: 16000}}, time.UnixMilli(5))
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	const want = `{"type":"session_start","timestamp":5,"sessionId":"s","config":{"metadata":{"format":"pcm","sampleRate":16000,"channels":2,"bitDepth":16}}}`
	if string(data) != want {
		t.Errorf("json =\n%s\nwant\n%s", data, want)
	}
}

func TestInboundType(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"typed", `{"type":"transcript","text":"hello"}`, "transcript"},
		{"untyped", `{"text":"hello"}`, ""},
		{"not json", `hello`, ""},
		{"array", `[1,2]`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inboundType([]byte(tt.data)); got != tt.want {
				t.Errorf("inboundType(%q) = %q, want %q", tt.data, got, tt.want)
			}
		})
	}
}
