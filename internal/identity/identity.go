// Package identity implements C1: loading or creating the node's stable
// Ed25519 key-pair from a local file. The file, once written, is the
// single source of truth for the node's identity across restarts.
//
// Grounded on clemsix6-BluePods' cmd/node/config.go loadOrGenerateKey,
// extended to persist atomically (temp file + rename) as spec.md requires.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrIdentityCorrupt is returned when the identity file exists but cannot
// be parsed as an Ed25519 private key. The core never regenerates silently
// on this error; it is a fatal start-up condition (spec §7).
var ErrIdentityCorrupt = errors.New("identity: file is corrupt")

// Identity is the node's process-lifetime key-pair, together with the
// libp2p-native forms derived from it.
type Identity struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey

	// LibP2PPrivateKey and PeerID are the go-libp2p encodings of the same
	// key material, used directly by the Peer Network (C2).
	LibP2PPrivateKey crypto.PrivKey
	PeerID           peer.ID
}

// LoadOrCreate implements C1's loadOrCreate(path) → PeerIdentity. If path
// exists it is parsed and returned; otherwise a fresh key-pair is
// generated and persisted atomically before being returned.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return fromBytes(data)
	case os.IsNotExist(err):
		return generateAndPersist(path)
	default:
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}
}

func fromBytes(data []byte) (*Identity, error) {
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrIdentityCorrupt, ed25519.PrivateKeySize, len(data))
	}
	priv := ed25519.PrivateKey(data)
	return toIdentity(priv)
}

func generateAndPersist(path string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	if err := persistAtomic(path, priv); err != nil {
		return nil, err
	}
	return toIdentity(priv)
}

// persistAtomic writes priv to a temp file in the same directory as path,
// then renames it into place. On POSIX filesystems rename is atomic, so a
// crash mid-write never leaves a truncated identity file behind.
func persistAtomic(path string, priv ed25519.PrivateKey) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(priv); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	return nil
}

func toIdentity(priv ed25519.PrivateKey) (*Identity, error) {
	libp2pPriv, err := crypto.UnmarshalEd25519PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: convert to libp2p key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(libp2pPriv)
	if err != nil {
		return nil, fmt.Errorf("identity: derive peer id: %w", err)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: unexpected public key type")
	}
	return &Identity{
		Private:          priv,
		Public:           pub,
		LibP2PPrivateKey: libp2pPriv,
		PeerID:           pid,
	}, nil
}

// Rotate generates a fresh identity, verifies it round-trips through
// LoadOrCreate before ever touching the original file, then atomically
// replaces path with it. This is a supplemented operation (SPEC_FULL §11);
// spec.md itself only defines loadOrCreate.
func Rotate(path string) (*Identity, error) {
	stagingPath := path + ".new"
	os.Remove(stagingPath)

	fresh, err := generateAndPersist(stagingPath)
	if err != nil {
		return nil, err
	}
	// Round-trip check before committing: read back what we just wrote.
	if _, err := LoadOrCreate(stagingPath); err != nil {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("identity: rotate round-trip check failed: %w", err)
	}
	if err := os.Rename(stagingPath, path); err != nil {
		os.Remove(stagingPath)
		return nil, fmt.Errorf("identity: rotate commit: %w", err)
	}
	return fresh, nil
}
