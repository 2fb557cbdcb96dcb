// Package signer implements the pluggable signing/verification primitive
// spec §4.2 and §9 require: the PBFT engine calls into this, never a
// hard-coded scheme.
//
// Adapted from privval.FilePV (chainbft_demo): a JSON key file persisted
// atomically via tendermint/libs/tempfile, holding a tendermint/crypto
// ed25519 key pair. Unlike FilePV, there is no vote/proposal-specific
// double-sign protection to carry over — the spec has no "last signed"
// notion, signing here is a stateless digest signature.
package signer

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/tempfile"
)

// Signer signs digests on behalf of this node.
type Signer interface {
	NodeID() string
	Sign(digest []byte) ([]byte, error)
	PubKey() crypto.PubKey
}

// Verifier checks a claimed sender's signature over a digest. Registries
// map node IDs to public keys; verification never has side effects.
type Verifier interface {
	Verify(nodeID string, digest, signature []byte) bool
}

// keyFile is the on-disk shape of a node's key, mirroring privval.FilePVKey.
type keyFile struct {
	NodeID  string         `json:"nodeId"`
	PubKey  crypto.PubKey  `json:"pub_key"`
	PrivKey crypto.PrivKey `json:"priv_key"`

	filePath string
}

func (k keyFile) save() error {
	if k.filePath == "" {
		return errors.New("cannot save signer key: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(k, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal signer key")
	}
	return tempfile.WriteFileAtomic(k.filePath, jsonBytes, 0600)
}

// Ed25519Signer is the concrete Signer/Verifier backed by a single node's
// ed25519 key pair plus the public keys of its peers.
type Ed25519Signer struct {
	nodeID string
	priv   crypto.PrivKey
	pub    crypto.PubKey

	peers map[string]crypto.PubKey
}

// GenEd25519Signer generates a fresh key pair, optionally persisting it to
// keyFilePath (empty means in-memory only — used by tests).
func GenEd25519Signer(nodeID, keyFilePath string) (*Ed25519Signer, error) {
	priv := ed25519.GenPrivKey()
	s := &Ed25519Signer{
		nodeID: nodeID,
		priv:   priv,
		pub:    priv.PubKey(),
		peers:  make(map[string]crypto.PubKey),
	}
	if keyFilePath != "" {
		kf := keyFile{NodeID: nodeID, PubKey: s.pub, PrivKey: priv, filePath: keyFilePath}
		if err := kf.save(); err != nil {
			return nil, errors.Wrap(err, "save generated signer key")
		}
	}
	return s, nil
}

// LoadOrGenEd25519Signer loads a persisted key, or generates and saves one
// if keyFilePath does not exist yet, mirroring privval.LoadOrGenFilePV.
func LoadOrGenEd25519Signer(nodeID, keyFilePath string) (*Ed25519Signer, error) {
	raw, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		return GenEd25519Signer(nodeID, keyFilePath)
	}
	var kf keyFile
	if err := tmjson.Unmarshal(raw, &kf); err != nil {
		return nil, errors.Wrapf(err, "parse signer key file %s", keyFilePath)
	}
	return &Ed25519Signer{
		nodeID: kf.NodeID,
		priv:   kf.PrivKey,
		pub:    kf.PrivKey.PubKey(),
		peers:  make(map[string]crypto.PubKey),
	}, nil
}

func (s *Ed25519Signer) NodeID() string        { return s.nodeID }
func (s *Ed25519Signer) PubKey() crypto.PubKey { return s.pub }

// Sign signs digest with this node's private key.
func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	sig, err := s.priv.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// RegisterPeer records a peer's public key so Verify can check its
// signatures. Node startup does not call it: no peer public keys are
// configured, so only this node's own signatures verify by default.
func (s *Ed25519Signer) RegisterPeer(nodeID string, pub crypto.PubKey) {
	s.peers[nodeID] = pub
}

// Verify reports whether signature is a valid signature by nodeID over
// digest. Unknown node IDs never verify.
func (s *Ed25519Signer) Verify(nodeID string, digest, signature []byte) bool {
	var pub crypto.PubKey
	if nodeID == s.nodeID {
		pub = s.pub
	} else {
		pub = s.peers[nodeID]
	}
	if pub == nil {
		return false
	}
	return pub.VerifySignature(digest, signature)
}
