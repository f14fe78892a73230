// Package crypto seals profile secrets at rest. Secrets are Fernet tokens
// under a keyring kept in the settings table: the newest key encrypts, every
// key in the ring may decrypt, so a key can be rotated without losing the
// secrets sealed under the previous one.
package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/webterm/internal/database"
)

// KeyringSetting is the settings key holding the encoded keys, newest first.
const KeyringSetting = "profile_secret_keys"

var ErrUnreadableSecret = errors.New("secret cannot be decrypted with any known key")

func loadKeyring() ([]*fernet.Key, error) {
	encoded, err := database.GetSetting(KeyringSetting)
	if errors.Is(err, database.ErrSettingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}
	keys, err := fernet.DecodeKeys(strings.Fields(encoded)...)
	if err != nil {
		return nil, fmt.Errorf("decode keyring: %w", err)
	}
	return keys, nil
}

func storeKeyring(keys []*fernet.Key) error {
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = k.Encode()
	}
	if err := database.SetSetting(KeyringSetting, strings.Join(encoded, " ")); err != nil {
		return fmt.Errorf("store keyring: %w", err)
	}
	return nil
}

func newKey() (*fernet.Key, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &k, nil
}

// keyring returns the ring, creating it with one key on first use.
func keyring() ([]*fernet.Key, error) {
	keys, err := loadKeyring()
	if err != nil || len(keys) > 0 {
		return keys, err
	}
	k, err := newKey()
	if err != nil {
		return nil, err
	}
	keys = []*fernet.Key{k}
	return keys, storeKeyring(keys)
}

// Encrypt seals plaintext under the newest key.
func Encrypt(plaintext string) (string, error) {
	keys, err := keyring()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), keys[0])
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token sealed under any key of the ring. An empty token is
// an unset secret and yields "".
func Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	keys, err := keyring()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, keys)
	if msg == nil {
		return "", ErrUnreadableSecret
	}
	return string(msg), nil
}

// RotateKey puts a fresh key at the front of the ring. Older keys stay
// until PruneKeys, so existing secrets remain readable.
func RotateKey() error {
	keys, err := keyring()
	if err != nil {
		return err
	}
	k, err := newKey()
	if err != nil {
		return err
	}
	return storeKeyring(append([]*fernet.Key{k}, keys...))
}

// PruneKeys drops every key but the newest. Call it once all secrets have
// been sealed again under the newest key.
func PruneKeys() error {
	keys, err := keyring()
	if err != nil {
		return err
	}
	return storeKeyring(keys[:1])
}
