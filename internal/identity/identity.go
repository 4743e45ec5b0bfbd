// Package identity persists this node's keys and known-peer set through
// the transport.KV collaborator (§6): the enr text, the private/public
// key pair an embedder's discv5 layer signs with, and the peer set a
// routing table can be seeded from on restart without a fresh bootstrap.
package identity

import (
	"encoding/json"
	"fmt"

	"github.com/hollowline/portal/internal/enr"
	"github.com/hollowline/portal/internal/transport"
)

const (
	keyENR        = "enr"
	keyNodeID     = "identity/node_id"
	keyPrivateKey = "privateKey"
	keyPublicKey  = "publicKey"
	keyPeers      = "peers"
)

// Identity is this node's persisted keys and last-known peer set.
type Identity struct {
	ENR        string
	NodeID     enr.NodeID
	PrivateKey []byte
	PublicKey  []byte
	Peers      []enr.Record
}

// Store reads and writes an Identity through a transport.KV, JSON-encoding
// each field under its own key so a caller can update the peer set
// without rewriting the key material.
type Store struct {
	kv transport.KV
}

// NewStore wraps kv. The caller is responsible for kv.Open/Close.
func NewStore(kv transport.KV) *Store {
	return &Store{kv: kv}
}

// Load reconstructs the persisted Identity. A missing key material entry
// is not an error — a fresh node has none yet — but Peers defaults to an
// empty slice rather than nil so callers can range over it unconditionally.
func (s *Store) Load() (Identity, error) {
	var id Identity

	if raw, ok, err := s.kv.Get(keyENR); err != nil {
		return Identity{}, fmt.Errorf("identity: loading enr: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &id.ENR); err != nil {
			return Identity{}, fmt.Errorf("identity: decoding enr: %w", err)
		}
	}

	if raw, ok, err := s.kv.Get(keyNodeID); err != nil {
		return Identity{}, fmt.Errorf("identity: loading node id: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &id.NodeID); err != nil {
			return Identity{}, fmt.Errorf("identity: decoding node id: %w", err)
		}
	}

	if raw, ok, err := s.kv.Get(keyPrivateKey); err != nil {
		return Identity{}, fmt.Errorf("identity: loading private key: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &id.PrivateKey); err != nil {
			return Identity{}, fmt.Errorf("identity: decoding private key: %w", err)
		}
	}

	if raw, ok, err := s.kv.Get(keyPublicKey); err != nil {
		return Identity{}, fmt.Errorf("identity: loading public key: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &id.PublicKey); err != nil {
			return Identity{}, fmt.Errorf("identity: decoding public key: %w", err)
		}
	}

	if raw, ok, err := s.kv.Get(keyPeers); err != nil {
		return Identity{}, fmt.Errorf("identity: loading peers: %w", err)
	} else if ok {
		if err := json.Unmarshal(raw, &id.Peers); err != nil {
			return Identity{}, fmt.Errorf("identity: decoding peers: %w", err)
		}
	}
	if id.Peers == nil {
		id.Peers = []enr.Record{}
	}

	return id, nil
}

// SaveKeys persists the node's own enr text and key pair. Called once at
// first startup, or whenever the enr sequence number bumps.
func (s *Store) SaveKeys(id Identity) error {
	if err := s.putJSON(keyENR, id.ENR); err != nil {
		return err
	}
	if err := s.putJSON(keyNodeID, id.NodeID); err != nil {
		return err
	}
	if err := s.putJSON(keyPrivateKey, id.PrivateKey); err != nil {
		return err
	}
	return s.putJSON(keyPublicKey, id.PublicKey)
}

// SavePeers persists the current peer set, called periodically by the
// embedder (e.g. alongside the routing table's bucket refresh) so a
// restarted node can seed its table without a cold bootstrap.
func (s *Store) SavePeers(peers []enr.Record) error {
	return s.putJSON(keyPeers, peers)
}

func (s *Store) putJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("identity: encoding %s: %w", key, err)
	}
	return s.kv.Put(key, raw)
}
