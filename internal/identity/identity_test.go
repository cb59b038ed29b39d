package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateGeneratesThenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.NotEmpty(t, first.PeerID.String())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.PeerID, second.PeerID)
	assert.Equal(t, first.Public, second.Public)
}

func TestLoadOrCreateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrCreate(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdentityCorrupt)
}

func TestRotateChangesPeerID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id.key")
	original, err := LoadOrCreate(path)
	require.NoError(t, err)

	rotated, err := Rotate(path)
	require.NoError(t, err)
	assert.NotEqual(t, original.PeerID, rotated.PeerID)

	reloaded, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, rotated.PeerID, reloaded.PeerID)
}
