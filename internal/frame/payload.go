package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/tetherdev/tether/internal/codec"
)

// Handshake status values carried in [HelloAck].
const (
	HelloApproved = "approved"
	HelloPending  = "pending"
	HelloRejected = "rejected"
)

// Hello is the agent's identity handshake, sent on the control channel as
// the first frame of a connection.
type Hello struct {
	DeviceID        string `cbor:"device_id"`
	Credential      string `cbor:"credential"`
	Hostname        string `cbor:"hostname"`
	Platform        string `cbor:"platform"`
	AgentVersion    string `cbor:"agent_version,omitempty"`
	ProtocolVersion uint8  `cbor:"protocol_version"`
}

// HelloAck is the relay's answer to [Hello]. A pending agent may receive a
// second HelloAck once an operator approves it.
type HelloAck struct {
	Status          string `cbor:"status"`
	Reason          string `cbor:"reason,omitempty"`
	ProtocolVersion uint8  `cbor:"protocol_version"`
	ServerVersion   string `cbor:"server_version,omitempty"`
}

// ErrorInfo is the payload of an error frame.
type ErrorInfo struct {
	Code    string `cbor:"code"`
	Message string `cbor:"message,omitempty"`
}

// CloseInfo is the optional payload of a close frame. Exit carries a process
// exit status for exec sessions.
type CloseInfo struct {
	Exit *int `cbor:"exit,omitempty"`
}

// EncodeWindow encodes a flow-control window for open-ack and
// window-update frames.
func EncodeWindow(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// DecodeWindow decodes a window payload.
func DecodeWindow(p []byte) (uint32, error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("frame: window payload has %d bytes", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

// EncodeResize encodes a terminal size.
func EncodeResize(cols, rows uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], cols)
	binary.BigEndian.PutUint16(b[2:4], rows)
	return b
}

// DecodeResize decodes a resize payload.
func DecodeResize(p []byte) (cols, rows uint16, err error) {
	if len(p) != 4 {
		return 0, 0, fmt.Errorf("frame: resize payload has %d bytes", len(p))
	}
	return binary.BigEndian.Uint16(p[0:2]), binary.BigEndian.Uint16(p[2:4]), nil
}

// MarshalPayload encodes a structured payload.
func MarshalPayload(v any) ([]byte, error) {
	b, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxPayload {
		return nil, fmt.Errorf("frame: encoded payload %d exceeds max %d", len(b), MaxPayload)
	}
	return b, nil
}

// UnmarshalPayload decodes a structured payload.
func UnmarshalPayload(p []byte, v any) error {
	return codec.Unmarshal(p, v)
}
