// Package registry owns the table of mesh nodes discovered on the channel.
// Records are scoped per profile and persisted in bbolt so a restart keeps
// what the mesh already told us. The receive loop is the only writer;
// everyone else gets copies.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const bNodes = "nodes"

// UpdateKind reports whether an upsert created or refreshed a record.
type UpdateKind int

const (
	Created UpdateKind = iota
	Updated
)

func (k UpdateKind) String() string {
	if k == Created {
		return "created"
	}
	return "updated"
}

// Node is one mesh device. Callers always receive copies; the registry owns
// the canonical record.
type Node struct {
	NodeID      uint32    `json:"node_id"`
	LongName    string    `json:"long_name,omitempty"`
	ShortName   string    `json:"short_name,omitempty"`
	HwModel     uint32    `json:"hw_model,omitempty"`
	Role        uint32    `json:"role,omitempty"`
	PublicKey   []byte    `json:"public_key,omitempty"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	PacketCount uint64    `json:"packet_count"`
	LastRSSI    int32     `json:"last_rssi,omitempty"`
	LastSNR     float32   `json:"last_snr,omitempty"`
	HasSignal   bool      `json:"has_signal,omitempty"`
}

// Observed is what one packet revealed about its sender. Zero-valued fields
// mean "not carried by this packet" and never overwrite existing data.
type Observed struct {
	LongName  string
	ShortName string
	HwModel   uint32
	Role      uint32
	PublicKey []byte
	RSSI      int32
	SNR       float32
	HasSignal bool
}

// Registry is the per-profile node table. Mutation is serialized by the
// caller (single-writer: the receive loop); the internal lock only protects
// snapshot reads from web handlers.
type Registry struct {
	mu        sync.RWMutex
	profileID string
	nodes     map[uint32]*Node
	db        *bolt.DB
	log       *logrus.Entry
}

// Open loads (or creates) the node set for profileID from db. Node sets of
// other profiles are untouched; switching profiles means opening another
// Registry over the same db.
func Open(db *bolt.DB, profileID string, log *logrus.Logger) (*Registry, error) {
	r := &Registry{
		profileID: profileID,
		nodes:     make(map[uint32]*Node),
		db:        db,
		log:       log.WithField("component", "registry"),
	}

	err := db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(bNodes))
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(profileID))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				// Corrupt record: skip, don't brick the profile.
				r.log.WithField("key", fmt.Sprintf("%x", k)).Warn("skipping corrupt node record")
				return nil
			}
			r.nodes[n.NodeID] = &n
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("open registry for profile %s: %w", profileID, err)
	}

	r.log.WithFields(logrus.Fields{"profile": profileID, "nodes": len(r.nodes)}).Debug("registry loaded")
	return r, nil
}

// Upsert records a packet from nodeID. It always bumps last-seen and the
// packet count, and merges only the non-empty observed fields.
func (r *Registry) Upsert(nodeID uint32, obs Observed, now time.Time) (UpdateKind, Node, error) {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	kind := Updated
	if !ok {
		kind = Created
		n = &Node{NodeID: nodeID, FirstSeen: now}
		r.nodes[nodeID] = n
	}

	n.LastSeen = now
	n.PacketCount++
	if obs.LongName != "" {
		n.LongName = obs.LongName
	}
	if obs.ShortName != "" {
		n.ShortName = obs.ShortName
	}
	if obs.HwModel != 0 {
		n.HwModel = obs.HwModel
	}
	if obs.Role != 0 {
		n.Role = obs.Role
	}
	if len(obs.PublicKey) > 0 {
		n.PublicKey = append([]byte(nil), obs.PublicKey...)
	}
	if obs.HasSignal {
		n.LastRSSI = obs.RSSI
		n.LastSNR = obs.SNR
		n.HasSignal = true
	}
	snapshot := *n
	r.mu.Unlock()

	if err := r.persist(snapshot); err != nil {
		return kind, snapshot, fmt.Errorf("persist node %08x: %w", nodeID, err)
	}
	return kind, snapshot, nil
}

func (r *Registry) persist(n Node) error {
	val, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bNodes)).Bucket([]byte(r.profileID))
		return b.Put(nodeKey(n.NodeID), val)
	})
}

// Get returns a copy of the node, if known.
func (r *Registry) Get(nodeID uint32) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// List returns a point-in-time snapshot ordered by last-seen descending,
// ties broken by node id ascending. Deterministic for UI pagination.
func (r *Registry) List() []Node {
	r.mu.RLock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Len reports the number of known nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func nodeKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}
