package signer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignAndVerify(t *testing.T) {
	s, err := GenEd25519Signer("node-1", "")
	require.NoError(t, err)

	digest := []byte("digest-under-test")
	sig, err := s.Sign(digest)
	require.NoError(t, err)

	assert.True(t, s.Verify("node-1", digest, sig))
	assert.False(t, s.Verify("node-1", []byte("other digest"), sig))
}

func TestEd25519Signer_VerifyUnknownPeer(t *testing.T) {
	s, err := GenEd25519Signer("node-1", "")
	require.NoError(t, err)

	digest := []byte("digest-under-test")
	sig, err := s.Sign(digest)
	require.NoError(t, err)

	assert.False(t, s.Verify("node-2", digest, sig))
}

func TestEd25519Signer_RegisterPeerVerifiesCrossNode(t *testing.T) {
	a, err := GenEd25519Signer("node-a", "")
	require.NoError(t, err)
	b, err := GenEd25519Signer("node-b", "")
	require.NoError(t, err)

	b.RegisterPeer(a.NodeID(), a.PubKey())

	digest := []byte("cross-node digest")
	sig, err := a.Sign(digest)
	require.NoError(t, err)

	assert.True(t, b.Verify(a.NodeID(), digest, sig))
}

func TestLoadOrGenEd25519Signer_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "node.key.json")

	first, err := LoadOrGenEd25519Signer("node-1", keyPath)
	require.NoError(t, err)

	second, err := LoadOrGenEd25519Signer("node-1", keyPath)
	require.NoError(t, err)

	assert.Equal(t, first.PubKey(), second.PubKey())
}
