package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/CodeMaker46/connectx/internal/fsstore"
)

const identityFileName = "identity.json"

// stationIdentity is the persisted identity of this station: the user id
// carried in every message and the libp2p key that keeps the lan peer id
// stable across runs.
type stationIdentity struct {
	UserID        string    `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	PeerID        string    `json:"peer_id"`
	PrivateKeyB64 string    `json:"private_key_b64"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (id stationIdentity) privateKey() (ic.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(id.PrivateKeyB64))
	if err != nil {
		return nil, fmt.Errorf("identity private key is not valid base64: %w", err)
	}
	priv, err := ic.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity private key is corrupt: %w", err)
	}
	return priv, nil
}

func identityPath(dir string) string {
	return filepath.Join(dir, identityFileName)
}

// loadIdentity reads the identity file under dir. The strict decode keeps
// a foreign or damaged file from silently passing as an empty identity.
func loadIdentity(dir string) (stationIdentity, bool, error) {
	var ident stationIdentity
	ok, err := fsstore.ReadJSONStrict(identityPath(dir), &ident)
	if err != nil {
		return stationIdentity{}, false, err
	}
	return ident, ok, nil
}

func saveIdentity(dir string, ident stationIdentity) error {
	return fsstore.WriteJSONAtomic(identityPath(dir), ident, fsstore.FileOptions{})
}

// ensureIdentity returns the stored identity, creating and persisting a
// fresh one on first use. The second result reports whether a new identity
// was created by this call.
func ensureIdentity(dir string, now time.Time) (stationIdentity, bool, error) {
	ident, ok, err := loadIdentity(dir)
	if err != nil {
		return stationIdentity{}, false, err
	}
	if ok {
		return ident, false, nil
	}

	priv, _, err := ic.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return stationIdentity{}, false, fmt.Errorf("generate identity key: %w", err)
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return stationIdentity{}, false, fmt.Errorf("derive peer id: %w", err)
	}
	raw, err := ic.MarshalPrivateKey(priv)
	if err != nil {
		return stationIdentity{}, false, fmt.Errorf("encode identity key: %w", err)
	}
	ident = stationIdentity{
		UserID:        "u-" + uuid.NewString()[:8],
		PeerID:        pid.String(),
		PrivateKeyB64: base64.StdEncoding.EncodeToString(raw),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := saveIdentity(dir, ident); err != nil {
		return stationIdentity{}, false, err
	}
	return ident, true, nil
}
