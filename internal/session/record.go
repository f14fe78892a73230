// Package session keeps the ordered collection of terminal session records and
// owns, per record, at most one live transport and terminal adapter.
package session

import (
	"errors"

	"github.com/gluk-w/webterm/internal/transport"
	"github.com/gluk-w/webterm/internal/wire"
)

// State is the lifecycle state of a session record.
type State string

const (
	// StateEditing means the record has no transport and its fields may change.
	StateEditing State = "editing"
	// StateConnecting means a transport is being opened or awaits "connected".
	StateConnecting State = "connecting"
	// StateConnected means the gateway reported the remote shell is up.
	StateConnected State = "connected"
	// StateClosingOnError is the grace period after an error or unexpected
	// closure. LastError is set and the record returns to editing afterwards.
	StateClosingOnError State = "closing-on-error"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrNotEditable     = errors.New("session is not in editing state")
	ErrIncomplete      = errors.New("host, username and secret are required")
	ErrInvalidPort     = errors.New("port must be between 1 and 65535")
	ErrInvalidProtocol = errors.New("protocol must be ssh or telnet")
)

// Record is a snapshot of one session. Values handed out by the Manager are
// copies; mutate through Manager.Update.
type Record struct {
	ID        string
	Host      string
	Port      int
	Username  string
	Secret    string
	Protocol  wire.Protocol
	State     State
	LastError string
	// Label is an optional display name, usually a profile name.
	Label string
}

// Complete reports whether the fields required to connect are non-empty.
func (r Record) Complete() bool {
	return r.Host != "" && r.Username != "" && r.Secret != ""
}

// Busy reports whether the record holds or is acquiring a transport.
func (r Record) Busy() bool {
	return r.State == StateConnecting || r.State == StateConnected
}

// DisplayName is the label if set, otherwise user@host:port.
func (r Record) DisplayName() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Target().String()
}

// Target converts the record into a transport target.
func (r Record) Target() transport.Target {
	return transport.Target{
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Secret:   r.Secret,
		Protocol: r.Protocol,
	}
}

// Fields is a partial update. Nil members are left unchanged. There is no ID
// member: a record's id cannot be changed.
type Fields struct {
	Host     *string
	Port     *int
	Username *string
	Secret   *string
	Protocol *wire.Protocol
	Label    *string
}

// connection reports whether the update touches a connection field.
func (f Fields) connection() bool {
	return f.Host != nil || f.Port != nil || f.Username != nil || f.Secret != nil || f.Protocol != nil
}

func (f Fields) validate() error {
	if f.Port != nil && (*f.Port < 1 || *f.Port > 65535) {
		return ErrInvalidPort
	}
	if f.Protocol != nil && !f.Protocol.Valid() {
		return ErrInvalidProtocol
	}
	return nil
}

// apply merges f into r. Switching to telnet moves the ssh default port to the
// telnet one unless the same update sets the port.
func (f Fields) apply(r *Record) {
	if f.Host != nil {
		r.Host = *f.Host
	}
	if f.Username != nil {
		r.Username = *f.Username
	}
	if f.Secret != nil {
		r.Secret = *f.Secret
	}
	if f.Protocol != nil {
		if *f.Protocol == wire.ProtocolTelnet && r.Protocol != wire.ProtocolTelnet && r.Port == wire.ProtocolSSH.DefaultPort() {
			r.Port = wire.ProtocolTelnet.DefaultPort()
		}
		r.Protocol = *f.Protocol
	}
	if f.Port != nil {
		r.Port = *f.Port
	}
	if f.Label != nil {
		r.Label = *f.Label
	}
}

// String is a convenience for building Fields literals.
func String(s string) *string { return &s }

// Int is a convenience for building Fields literals.
func Int(n int) *int { return &n }

// ProtocolOf is a convenience for building Fields literals.
func ProtocolOf(p wire.Protocol) *wire.Protocol { return &p }
