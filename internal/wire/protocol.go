package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a control frame.
type MessageType string

const (
	TypeConnect   MessageType = "connect"
	TypeData      MessageType = "data"
	TypeResize    MessageType = "resize"
	TypeConnected MessageType = "connected"
	TypeError     MessageType = "error"
)

// Protocol selects the remote shell protocol the gateway speaks.
type Protocol string

const (
	ProtocolSSH    Protocol = "ssh"
	ProtocolTelnet Protocol = "telnet"
)

// Valid reports whether p is a protocol the gateway understands.
func (p Protocol) Valid() bool {
	return p == ProtocolSSH || p == ProtocolTelnet
}

// DefaultPort returns the well-known port for p.
func (p Protocol) DefaultPort() int {
	if p == ProtocolTelnet {
		return 23
	}
	return 22
}

// Default terminal geometry assumed when a resize frame omits a dimension.
const (
	DefaultCols = 80
	DefaultRows = 24
)

var ErrMalformed = errors.New("malformed control frame")

// Message is the envelope shared by every control frame.
type Message struct {
	Type     MessageType     `json:"type"`
	Protocol Protocol        `json:"protocol,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// ConnectPayload carries the connection target of a connect frame.
type ConnectPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResizePayload carries terminal geometry in character cells.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func encode(t MessageType, proto Protocol, data any) ([]byte, error) {
	msg := Message{Type: t, Protocol: proto}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Connect encodes the single frame that asks the gateway to open the remote session.
func Connect(proto Protocol, p ConnectPayload) ([]byte, error) {
	return encode(TypeConnect, proto, p)
}

// Data encodes terminal input as a JSON string. input must be valid UTF-8;
// anything else is replaced with U+FFFD by the encoder.
func Data(input []byte) ([]byte, error) {
	return encode(TypeData, "", string(input))
}

// Resize encodes a geometry change.
func Resize(cols, rows int) ([]byte, error) {
	return encode(TypeResize, "", ResizePayload{Cols: cols, Rows: rows})
}

// Connected encodes the gateway's success notification.
func Connected(proto Protocol) ([]byte, error) {
	return encode(TypeConnected, proto, "Successfully connected")
}

// Error encodes a human-readable failure for the client.
func Error(message string) ([]byte, error) {
	return encode(TypeError, "", message)
}

// Decode parses a text frame into its envelope.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// Text returns the data member as a string. Payloads that are not JSON
// strings are returned as their raw JSON text.
func (m Message) Text() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return string(m.Data)
	}
	return s
}

// ConnectPayload decodes the data member of a connect frame.
func (m Message) ConnectPayload() (ConnectPayload, error) {
	var p ConnectPayload
	if len(m.Data) == 0 {
		return p, fmt.Errorf("%w: connect without data", ErrMalformed)
	}
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return p, fmt.Errorf("%w: connect data: %v", ErrMalformed, err)
	}
	return p, nil
}

// ResizePayload decodes the data member of a resize frame, filling missing
// dimensions with DefaultCols and DefaultRows.
func (m Message) ResizePayload() (ResizePayload, error) {
	var p ResizePayload
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return p, fmt.Errorf("%w: resize data: %v", ErrMalformed, err)
		}
	}
	if p.Cols == 0 {
		p.Cols = DefaultCols
	}
	if p.Rows == 0 {
		p.Rows = DefaultRows
	}
	return p, nil
}
