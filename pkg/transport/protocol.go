package transport

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// MessageTypeSessionStart is the type of the control message announcing a session.
const MessageTypeSessionStart = "session_start"

// wireFormatName is the metadata format name understood by the backend.
const wireFormatName = "pcm"

// Announcement carries what the transport needs to announce a session once the
// connection is open. It is passed by value; the transport keeps no reference
// to the caller's session object.
type Announcement struct {
	// SessionID is the fresh UUID of the session.
	SessionID string

	// Format is the negotiated wire format of the audio that will follow.
	Format audio.StreamFormat
}

// SessionStart is the JSON control message sent once, immediately after the
// connection opens.
type SessionStart struct {
	Type      string        `json:"type"`
	Timestamp float64       `json:"timestamp"`
	SessionID string        `json:"sessionId"`
	Config    SessionConfig `json:"config"`
}

// SessionConfig is the config block of [SessionStart].
type SessionConfig struct {
	Metadata StreamMetadata `json:"metadata"`
}

// StreamMetadata describes the binary audio frames that follow the handshake.
type StreamMetadata struct {
	Format     string  `json:"format"`
	SampleRate float64 `json:"sampleRate"`
	Channels   int     `json:"channels"`
	BitDepth   int     `json:"bitDepth"`
}

// NewSessionStart builds the session_start message for ann at time now. The
// timestamp is epoch milliseconds with sub-millisecond precision. Channel
// count and bit depth are always the wire values; only the rate follows the
// capture.
func NewSessionStart(ann Announcement, now time.Time) SessionStart {
	return SessionStart{
		Type:      MessageTypeSessionStart,
		Timestamp: float64(now.UnixMicro()) / 1000,
		SessionID: ann.SessionID,
		Config: SessionConfig{
			Metadata: StreamMetadata{
				Format:     wireFormatName,
				SampleRate: ann.Format.SampleRate,
				Channels:   audio.WireChannels,
				BitDepth:   audio.WireBitDepth,
			},
		},
	}
}

// inboundEnvelope is the minimal shape used to label inbound text messages in
// logs. Inbound messages are otherwise opaque.
type inboundEnvelope struct {
	Type string `json:"type"`
}

// inboundType returns the "type" field of a JSON text message, or "".
func inboundType(data []byte) string {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Type
}
