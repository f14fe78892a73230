// Package profiles stores named connection targets with encrypted secrets
// and moves them in and out of YAML files.
package profiles

import (
	"errors"
	"fmt"
	"io"

	"github.com/gluk-w/webterm/internal/crypto"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/session"
	"github.com/gluk-w/webterm/internal/wire"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid profile")

// Entry is a profile with its secret in plain text.
type Entry struct {
	Name     string        `yaml:"name"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port,omitempty"`
	Username string        `yaml:"username"`
	Protocol wire.Protocol `yaml:"protocol,omitempty"`
	Secret   string        `yaml:"secret,omitempty"`
}

// File is the YAML document used by Import and Export.
type File struct {
	Profiles []Entry `yaml:"profiles"`
}

func (e *Entry) normalize() error {
	if e.Protocol == "" {
		e.Protocol = wire.ProtocolSSH
	}
	if !e.Protocol.Valid() {
		return fmt.Errorf("%w: %s: unknown protocol %q", ErrInvalid, e.Name, e.Protocol)
	}
	if e.Port == 0 {
		e.Port = e.Protocol.DefaultPort()
	}
	if e.Name == "" || e.Host == "" || e.Username == "" {
		return fmt.Errorf("%w: name, host and username are required", ErrInvalid)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: %s: port %d out of range", ErrInvalid, e.Name, e.Port)
	}
	return nil
}

// Save creates or replaces the profile. An empty secret keeps the stored one.
func Save(e Entry) error {
	if err := e.normalize(); err != nil {
		return err
	}
	var secret string
	if e.Secret != "" {
		tok, err := crypto.Encrypt(e.Secret)
		if err != nil {
			return fmt.Errorf("encrypt secret: %w", err)
		}
		secret = tok
	}
	return database.SaveProfile(&database.Profile{
		Name:     e.Name,
		Host:     e.Host,
		Port:     e.Port,
		Username: e.Username,
		Protocol: string(e.Protocol),
		Secret:   secret,
	})
}

// Load returns the profile with its secret decrypted.
func Load(name string) (Entry, error) {
	p, err := database.GetProfile(name)
	if err != nil {
		return Entry{}, err
	}
	secret, err := crypto.Decrypt(p.Secret)
	if err != nil {
		return Entry{}, fmt.Errorf("profile %s: %w", name, err)
	}
	e := fromModel(p)
	e.Secret = secret
	return e, nil
}

// List returns all profiles ordered by name, without secrets.
func List() ([]Entry, error) {
	list, err := database.ListProfiles()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(list))
	for i := range list {
		out[i] = fromModel(&list[i])
	}
	return out, nil
}

func Remove(name string) error {
	return database.DeleteProfile(name)
}

// RotateKey seals every stored secret under a fresh key and then retires the
// old keys. It returns how many secrets were resealed.
func RotateKey() (int, error) {
	if err := crypto.RotateKey(); err != nil {
		return 0, err
	}
	list, err := database.ListProfiles()
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range list {
		p := &list[i]
		if p.Secret == "" {
			continue
		}
		secret, err := crypto.Decrypt(p.Secret)
		if err != nil {
			return n, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if p.Secret, err = crypto.Encrypt(secret); err != nil {
			return n, fmt.Errorf("profile %s: %w", p.Name, err)
		}
		if err := database.SaveProfile(p); err != nil {
			return n, err
		}
		n++
	}
	return n, crypto.PruneKeys()
}

func fromModel(p *database.Profile) Entry {
	return Entry{
		Name:     p.Name,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Protocol: wire.Protocol(p.Protocol),
	}
}

// Export writes every profile as YAML. Secrets are never exported.
func Export(w io.Writer) error {
	list, err := List()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(File{Profiles: list}); err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	return enc.Close()
}

// Import saves every profile of a YAML document and returns how many were
// saved. It stops at the first invalid entry.
func Import(r io.Reader) (int, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return 0, fmt.Errorf("decode profiles: %w", err)
	}
	for i, e := range f.Profiles {
		if err := Save(e); err != nil {
			return i, err
		}
	}
	return len(f.Profiles), nil
}

// Fields converts the entry into a session update. The profile name becomes
// the record label.
func (e Entry) Fields() session.Fields {
	f := session.Fields{
		Host:     session.String(e.Host),
		Username: session.String(e.Username),
		Protocol: session.ProtocolOf(e.Protocol),
		Label:    session.String(e.Name),
	}
	if e.Port != 0 {
		f.Port = session.Int(e.Port)
	}
	if e.Secret != "" {
		f.Secret = session.String(e.Secret)
	}
	return f
}
