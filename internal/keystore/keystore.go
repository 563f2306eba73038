// Package keystore manages the ~/.capaudit/ directory that holds signers'
// private keys.
//
// Directory layout:
//
//	~/.capaudit/
//	    keys/<signer>.key     # base64 ed25519 private key, mode 0600
//	    keyring.yaml          # default keyring of trusted public keys
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// EnvHome overrides the default ~/.capaudit location.
const EnvHome = "CAPAUDIT_HOME"

var (
	// ErrKeyExists is returned when writing a key for a signer that has one.
	ErrKeyExists = errors.New("keystore: key already exists")
	// ErrNoKey is returned when a signer has no stored key.
	ErrNoKey = errors.New("keystore: no key for signer")
	// ErrBadSigner is returned for signer ids that are not safe file names.
	ErrBadSigner = errors.New("keystore: invalid signer id")
)

var signerRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]*$`)

// Store is a keystore rooted at Dir.
type Store struct {
	Dir string
}

// Home returns $CAPAUDIT_HOME or ~/.capaudit.
func Home() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("keystore: home dir: %w", err)
	}
	return filepath.Join(home, ".capaudit"), nil
}

// Open returns the store at Home. The directory is created on first write.
func Open() (*Store, error) {
	dir, err := Home()
	if err != nil {
		return nil, err
	}
	return &Store{Dir: dir}, nil
}

// KeyringPath returns the default keyring location.
func (s *Store) KeyringPath() string {
	return filepath.Join(s.Dir, "keyring.yaml")
}

func (s *Store) keyPath(signer string) (string, error) {
	if !signerRe.MatchString(signer) {
		return "", fmt.Errorf("%w: %q", ErrBadSigner, signer)
	}
	return filepath.Join(s.Dir, "keys", signer+".key"), nil
}

// WriteKey stores a signer's encoded private key. It refuses to overwrite.
func (s *Store) WriteKey(signer, encoded string) (string, error) {
	path, err := s.keyPath(signer)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("keystore: create keys dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("keystore: write key: %w", err)
	}
	return path, nil
}

// ReadKey returns a signer's encoded private key.
func (s *Store) ReadKey(signer string) (string, error) {
	path, err := s.keyPath(signer)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w %q (run 'capaudit keygen %s' first)", ErrNoKey, signer, signer)
		}
		return "", fmt.Errorf("keystore: read key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Signers lists the signers with stored keys.
func (s *Store) Signers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Dir, "keys"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("keystore: read keys dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), ".key"); ok && !e.IsDir() {
			out = append(out, name)
		}
	}
	return out, nil
}

// RemoveKey deletes a signer's key.
func (s *Store) RemoveKey(signer string) error {
	path, err := s.keyPath(signer)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w %q", ErrNoKey, signer)
		}
		return fmt.Errorf("keystore: remove key: %w", err)
	}
	return nil
}
