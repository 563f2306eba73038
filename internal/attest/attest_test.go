package attest_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capaudit/internal/attest"
	"capaudit/internal/capability"
	"capaudit/internal/graph"
)

const (
	builtHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	staleHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

var (
	ring   = graph.Identity{Name: "ring", Version: "0.17.8"}
	issued = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func signer(t *testing.T, seed byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	priv := ed25519.NewKeyFromSeed(bytes.Repeat([]byte{seed}, ed25519.SeedSize))
	return priv.Public().(ed25519.PublicKey), priv
}

func keyring(t *testing.T) (*attest.Keyring, ed25519.PrivateKey) {
	t.Helper()
	pub, priv := signer(t, 1)
	kr := attest.NewKeyring()
	kr.Add("alice", pub)
	return kr, priv
}

func claim(caps capability.Set, hash string, at time.Time) attest.Attestation {
	return attest.Attestation{Package: ring, Hash: hash, Caps: caps, Signer: "alice", IssuedAt: at}
}

func TestVerify(t *testing.T) {
	kr, priv := keyring(t)
	_, mallory := signer(t, 2)
	good := attest.Sign(priv, claim(capability.Of(capability.Network), builtHash, issued))

	tampered := good
	tampered.Caps = capability.None

	forged := attest.Sign(mallory, claim(capability.None, builtHash, issued))

	unknown := good
	unknown.Signer = "mallory"

	tests := []struct {
		name    string
		att     attest.Attestation
		hash    string
		wantErr error
	}{
		{"valid", good, builtHash, nil},
		{"hash case-insensitive", good, "9F86D081884C7D659A2FEAA0C55AD015A3BF4F1B2B0B822CD15D6C15B0F00A08", nil},
		{"tampered caps", tampered, builtHash, attest.ErrSignatureInvalid},
		{"wrong key", forged, builtHash, attest.ErrSignatureInvalid},
		{"unknown signer", unknown, builtHash, attest.ErrSignatureInvalid},
		{"stale hash", good, staleHash, attest.ErrHashMismatch},
		{"no current hash", good, "", attest.ErrHashMismatch},
		{"signature checked first", tampered, staleHash, attest.ErrSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := attest.Verify(tt.att, kr, tt.hash)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPayloadIsCanonical(t *testing.T) {
	a := claim(capability.Of(capability.FileSystem, capability.Network), builtHash, issued)
	b := a
	b.Package.Features = nil
	b.IssuedAt = issued.In(time.FixedZone("CET", 3600))
	assert.Equal(t, string(a.Payload()), string(b.Payload()))
	assert.Contains(t, string(a.Payload()), "caps net,fs\n")
	assert.Contains(t, string(a.Payload()), "package ring@0.17.8\n")
}

func TestFieldsCannotForgePayloadLines(t *testing.T) {
	kr, priv := keyring(t)
	pub, _ := kr.Lookup("alice")
	kr.Add("alice\nissued_at 2030-01-01T00:00:00Z", pub)

	tests := map[string]func(*attest.Attestation){
		"newline in version": func(a *attest.Attestation) { a.Package.Version = "0.17.8\nhash " + staleHash },
		"newline in name":    func(a *attest.Attestation) { a.Package.Name = "ring\r" },
		"tab in target":      func(a *attest.Attestation) { a.Package.Target = "x86_64\tlinux" },
		"comma in feature":   func(a *attest.Attestation) { a.Package.Features = []string{"std,alloc"} },
		"newline in signer":  func(a *attest.Attestation) { a.Signer = "alice\nissued_at 2030-01-01T00:00:00Z" },
		"non-hex hash":       func(a *attest.Attestation) { a.Hash = builtHash + "\nsigner bob" },
		"no signer":          func(a *attest.Attestation) { a.Signer = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			a := claim(capability.Of(capability.Network), builtHash, issued)
			mutate(&a)
			signed := attest.Sign(priv, a)

			assert.ErrorIs(t, signed.Validate(), attest.ErrMalformed)
			assert.ErrorIs(t, attest.Verify(signed, kr, builtHash), attest.ErrMalformed)

			store := &attest.Store{Dir: t.TempDir()}
			_, err := store.Write(signed, "")
			assert.ErrorIs(t, err, attest.ErrMalformed)
		})
	}

	ok := attest.Sign(priv, claim(capability.None, builtHash, issued))
	assert.NoError(t, ok.Validate())
}

func TestKeyringRoundTrip(t *testing.T) {
	kr, _ := keyring(t)
	path := filepath.Join(t.TempDir(), "keyring.yaml")
	require.NoError(t, kr.Save(path))

	loaded, err := attest.LoadKeyring(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, loaded.Signers())
	want, _ := kr.Lookup("alice")
	got, ok := loaded.Lookup("alice")
	require.True(t, ok)
	assert.True(t, want.Equal(got))
}

func TestKeyringRejectsBadKey(t *testing.T) {
	_, err := attest.ParseKeyring([]byte("signers:\n  alice: not-base64!\n"))
	assert.ErrorIs(t, err, attest.ErrBadKey)
}

func TestKeyEncoding(t *testing.T) {
	pub, priv, err := attest.GenerateKey(nil)
	require.NoError(t, err)
	decPriv, err := attest.DecodePrivateKey(attest.EncodeKey(priv))
	require.NoError(t, err)
	assert.True(t, priv.Equal(decPriv))
	decPub, err := attest.DecodePublicKey(attest.EncodeKey(pub))
	require.NoError(t, err)
	assert.True(t, pub.Equal(decPub))

	_, err = attest.DecodePublicKey(attest.EncodeKey(priv))
	assert.ErrorIs(t, err, attest.ErrBadKey)
}

func TestStoreWriteAndLoad(t *testing.T) {
	_, priv := keyring(t)
	store := &attest.Store{Dir: filepath.Join(t.TempDir(), "attestations")}

	a := attest.Sign(priv, claim(capability.Of(capability.Unsafe), builtHash, issued))
	path, err := store.Write(a, "Audited the asm; no syscalls.\n")
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = store.Write(a, "")
	assert.Error(t, err, "same signer and time must not overwrite")

	_, err = store.Write(claim(capability.None, builtHash, issued), "")
	assert.Error(t, err, "unsigned attestation")

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir, "broken.md"), []byte("no frontmatter"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir, "README.txt"), []byte("ignored"), 0o644))

	docs, err := store.Load()
	assert.ErrorContains(t, err, "broken.md")
	require.Len(t, docs, 1)
	assert.Equal(t, "Audited the asm; no syscalls.\n", docs[0].Notes)
	assert.Equal(t, a.Signature, docs[0].Signature)
	assert.True(t, docs[0].Caps.Equal(a.Caps))
	assert.True(t, docs[0].IssuedAt.Equal(a.IssuedAt))

	kr, _ := keyring(t)
	assert.NoError(t, attest.Verify(docs[0].Attestation, kr, builtHash), "signature survives the file round trip")

	mine, _ := store.ForPackage(ring.Key())
	assert.Len(t, mine, 1)
	other, _ := store.ForPackage("openssl-sys@0.9.0")
	assert.Empty(t, other)
}

func TestStoreMissingDir(t *testing.T) {
	store := &attest.Store{Dir: filepath.Join(t.TempDir(), "absent")}
	docs, err := store.Load()
	assert.NoError(t, err)
	assert.Empty(t, docs)
}

// edgeGraph builds app -> ring, with ring an edge package.
func edgeGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	app, _ := g.AddNode(graph.Identity{Name: "app", Version: "1.0.0"})
	app.SetIntrinsic(capability.Of(capability.StandardIO), "")
	dep, _ := g.AddNode(ring)
	dep.SetIntrinsic(capability.Any, "unmatched symbol GFp_cpuid_setup")
	require.NoError(t, g.AddEdge(app.Key(), dep.Key(), graph.DepNormal))
	return g
}

func TestAttestationNarrowsEdgePackage(t *testing.T) {
	kr, priv := keyring(t)
	g := edgeGraph(t)
	att := attest.Sign(priv, claim(capability.Of(capability.Network), builtHash, issued))

	overrides, rejections := attest.Apply(g.Nodes(), []attest.Attestation{att}, kr,
		map[string]string{ring.Key(): builtHash})
	assert.Empty(t, rejections)
	require.Len(t, overrides, 1)
	assert.True(t, overrides[0].Previous.IsAny())

	node := g.Node(ring.Key())
	assert.False(t, node.Edge)
	assert.Equal(t, "net", node.Intrinsic.String())

	require.NoError(t, graph.Propagate(context.Background(), g, 2))
	assert.Equal(t, "stdio, net", g.Node("app@1.0.0").Effective.String())
}

func TestStaleAttestationIsIgnored(t *testing.T) {
	kr, priv := keyring(t)
	g := edgeGraph(t)
	att := attest.Sign(priv, claim(capability.Of(capability.Network), staleHash, issued))

	overrides, rejections := attest.Apply(g.Nodes(), []attest.Attestation{att}, kr,
		map[string]string{ring.Key(): builtHash})
	assert.Empty(t, overrides)
	require.Len(t, rejections, 1)
	assert.ErrorIs(t, rejections[0].Err, attest.ErrHashMismatch)
	assert.Equal(t, ring.Key(), rejections[0].Package)

	require.NoError(t, graph.Propagate(context.Background(), g, 2))
	assert.True(t, g.Node(ring.Key()).Edge)
	assert.True(t, g.Node("app@1.0.0").Effective.IsAny())
}

func TestNewestValidAttestationWins(t *testing.T) {
	kr, priv := keyring(t)
	_, mallory := signer(t, 2)
	g := edgeGraph(t)

	older := attest.Sign(priv, claim(capability.Of(capability.Network), builtHash, issued))
	newer := attest.Sign(priv, claim(capability.Of(capability.FileSystem), builtHash, issued.Add(time.Hour)))
	newestForged := attest.Sign(mallory, claim(capability.None, builtHash, issued.Add(2*time.Hour)))

	overrides, rejections := attest.Apply(g.Nodes(), []attest.Attestation{older, newestForged, newer}, kr,
		map[string]string{ring.Key(): builtHash})
	require.Len(t, overrides, 1)
	assert.Equal(t, "fs", overrides[0].Caps.String())
	require.Len(t, rejections, 1)
	assert.ErrorIs(t, rejections[0].Err, attest.ErrSignatureInvalid)
	assert.Equal(t, "fs", g.Node(ring.Key()).Intrinsic.String())
}

func TestAttestationForUnknownPackageIgnored(t *testing.T) {
	kr, priv := keyring(t)
	g := edgeGraph(t)
	other := claim(capability.None, builtHash, issued)
	other.Package = graph.Identity{Name: "left-pad", Version: "1.0.0"}
	overrides, rejections := attest.Apply(g.Nodes(), []attest.Attestation{attest.Sign(priv, other)}, kr, nil)
	assert.Empty(t, overrides)
	assert.Empty(t, rejections)
}
