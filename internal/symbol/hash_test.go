package symbol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashArtifactFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := HashArtifact(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
}

func TestHashArtifactDirectory(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("lib.go", "package lib\n")
	write("sub/util.go", "package sub\n")

	first, err := HashArtifact(dir)
	require.NoError(t, err)

	write(".git/HEAD", "ref: refs/heads/main\n")
	write("testdata/fixture.txt", "ignored\n")
	again, err := HashArtifact(dir)
	require.NoError(t, err)
	assert.Equal(t, first, again, "hidden and testdata directories must not affect the hash")

	write("sub/util.go", "package sub // changed\n")
	changed, err := HashArtifact(dir)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)
}

func TestHashArtifactMissing(t *testing.T) {
	_, err := HashArtifact(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestHashArtifactsOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.o")
	b := filepath.Join(dir, "b.o")
	require.NoError(t, os.WriteFile(a, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("b"), 0o644))

	ab, err := HashArtifacts([]string{a, b})
	require.NoError(t, err)
	ba, err := HashArtifacts([]string{b, a})
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	single, err := HashArtifacts([]string{a})
	require.NoError(t, err)
	direct, err := HashArtifact(a)
	require.NoError(t, err)
	assert.Equal(t, direct, single)
}
