// Package attest verifies signed, hash-bound capability claims and applies
// them as overrides of a package's intrinsic capability set.
package attest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"capaudit/internal/capability"
	"capaudit/internal/graph"
)

var (
	// ErrSignatureInvalid is returned when a signature does not verify,
	// including when the signer is not in the keyring.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrHashMismatch is returned when an attestation was issued for a
	// different artifact than the one built in this run.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrBadKey is returned for undecodable key material.
	ErrBadKey = errors.New("bad key")
	// ErrMalformed is returned for an attestation whose fields cannot be
	// framed unambiguously in the signed payload.
	ErrMalformed = errors.New("malformed attestation")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Payload fields are newline framed.
	_ = v.RegisterValidation("nocontrol", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
	})
	return v
}

const payloadHeader = "capaudit-attestation v1"

// Attestation is a signer's claim that the artifact with Hash exercises
// exactly Caps.
type Attestation struct {
	Package   graph.Identity `yaml:"package" json:"package"`
	Hash      string         `yaml:"hash" json:"hash" validate:"required,hexadecimal"`
	Caps      capability.Set `yaml:"caps" json:"caps"`
	Signer    string         `yaml:"signer" json:"signer" validate:"required,nocontrol"`
	IssuedAt  time.Time      `yaml:"issued_at" json:"issued_at"`
	Signature string         `yaml:"signature" json:"signature"`
}

// Validate rejects control characters in the package identity and signer
// and a hash that is not hex. Such fields would let two different
// attestations share a payload.
func (a Attestation) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("attest: %s: %w: %w", a.Package.Key(), ErrMalformed, err)
	}
	id := a.Package
	checks := []struct {
		field, value, tag string
	}{
		{"name", id.Name, "required,nocontrol"},
		{"version", id.Version, "nocontrol"},
		{"target", id.Target, "nocontrol"},
	}
	for _, f := range id.Features {
		checks = append(checks, struct{ field, value, tag string }{"feature", f, "nocontrol,excludesall=0x2C"})
	}
	for _, c := range checks {
		if err := validate.Var(c.value, c.tag); err != nil {
			return fmt.Errorf("attest: package %s %q: %w", c.field, c.value, ErrMalformed)
		}
	}
	return nil
}

// Payload returns the canonical bytes covered by the signature. It is only
// unambiguous for attestations that pass Validate.
func (a Attestation) Payload() []byte {
	var b strings.Builder
	b.WriteString(payloadHeader + "\n")
	fmt.Fprintf(&b, "package %s\n", a.Package.Key())
	fmt.Fprintf(&b, "hash %s\n", strings.ToLower(a.Hash))
	fmt.Fprintf(&b, "caps %s\n", strings.Join(a.Caps.Names(), ","))
	fmt.Fprintf(&b, "signer %s\n", a.Signer)
	fmt.Fprintf(&b, "issued_at %s\n", a.IssuedAt.UTC().Format(time.RFC3339Nano))
	return []byte(b.String())
}

// GenerateKey creates a signing key pair. A nil rand uses crypto/rand.
func GenerateKey(rand io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, nil, fmt.Errorf("attest: generate key: %w", err)
	}
	return pub, priv, nil
}

// EncodeKey renders key material as base64.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodePrivateKey parses a base64 private key.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("attest: private key: %w", ErrBadKey)
	}
	return ed25519.PrivateKey(raw), nil
}

// DecodePublicKey parses a base64 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("attest: public key: %w", ErrBadKey)
	}
	return ed25519.PublicKey(raw), nil
}

// Sign returns a with its Signature set. IssuedAt is truncated to seconds
// so the signed form survives a YAML round trip unchanged.
func Sign(priv ed25519.PrivateKey, a Attestation) Attestation {
	a.IssuedAt = a.IssuedAt.UTC().Truncate(time.Second)
	a.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, a.Payload()))
	return a
}

// Verify checks a against the keyring and the hash of the artifact built in
// this run: first the fields, then the signature, then the hash. It has no
// side effects.
func Verify(a Attestation, kr *Keyring, currentHash string) error {
	if err := a.Validate(); err != nil {
		return err
	}
	pub, ok := kr.Lookup(a.Signer)
	if !ok {
		return fmt.Errorf("attest: unknown signer %q: %w", a.Signer, ErrSignatureInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil || !ed25519.Verify(pub, a.Payload(), sig) {
		return fmt.Errorf("attest: %s by %s: %w", a.Package.Key(), a.Signer, ErrSignatureInvalid)
	}
	if currentHash == "" || !strings.EqualFold(a.Hash, currentHash) {
		return fmt.Errorf("attest: %s: attested %s, built %s: %w",
			a.Package.Key(), short(a.Hash), short(currentHash), ErrHashMismatch)
	}
	return nil
}

func short(hash string) string {
	switch {
	case hash == "":
		return "(none)"
	case len(hash) > 12:
		return hash[:12]
	}
	return hash
}

// Keyring maps signer ids to trusted public keys.
type Keyring struct {
	keys map[string]ed25519.PublicKey
}

type keyringFile struct {
	Signers map[string]string `yaml:"signers"`
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// LoadKeyring reads a keyring file of the form:
//
//	signers:
//	  alice@example.com: <base64 public key>
func LoadKeyring(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attest: read keyring: %w", err)
	}
	return ParseKeyring(data)
}

// ParseKeyring parses keyring YAML.
func ParseKeyring(data []byte) (*Keyring, error) {
	var f keyringFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("attest: parse keyring: %w", err)
	}
	kr := NewKeyring()
	for id, enc := range f.Signers {
		pub, err := DecodePublicKey(enc)
		if err != nil {
			return nil, fmt.Errorf("attest: keyring signer %q: %w", id, err)
		}
		kr.Add(id, pub)
	}
	return kr, nil
}

// Add trusts pub for signer, replacing any previous key.
func (k *Keyring) Add(signer string, pub ed25519.PublicKey) {
	k.keys[signer] = pub
}

// Lookup returns the key for signer. A nil keyring trusts nobody.
func (k *Keyring) Lookup(signer string) (ed25519.PublicKey, bool) {
	if k == nil {
		return nil, false
	}
	pub, ok := k.keys[signer]
	return pub, ok
}

// Signers returns the trusted signer ids, sorted.
func (k *Keyring) Signers() []string {
	if k == nil {
		return nil
	}
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalYAML writes the keyring in its file form.
func (k *Keyring) MarshalYAML() (any, error) {
	f := keyringFile{Signers: make(map[string]string, len(k.keys))}
	for id, pub := range k.keys {
		f.Signers[id] = EncodeKey(pub)
	}
	return f, nil
}

// Save writes the keyring to path.
func (k *Keyring) Save(path string) error {
	data, err := yaml.Marshal(k)
	if err != nil {
		return fmt.Errorf("attest: marshal keyring: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("attest: write keyring: %w", err)
	}
	return nil
}
