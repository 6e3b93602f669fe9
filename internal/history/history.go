// Package history is the bbolt-backed chat log the UI reads. Messages are
// keyed by timestamp so cursor walks come back in display order.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bByID = "messages_by_id"
	bByTS = "messages_by_ts"
)

// Message is one chat line as stored and as served to the UI.
type Message struct {
	ID        string    `json:"id"`
	From      uint32    `json:"from"`
	FromID    string    `json:"from_id"`
	LongName  string    `json:"long_name,omitempty"`
	ShortName string    `json:"short_name,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	PacketID  uint32    `json:"packet_id,omitempty"`
	Self      bool      `json:"self,omitempty"`
}

// Store is a message log inside a shared bbolt database.
type Store struct {
	db *bolt.DB
}

// Open prepares the message buckets in db.
func Open(db *bolt.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bByID)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bByTS))
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Append stores one message. Duplicate ids are ignored.
func (s *Store) Append(m Message) error {
	if m.ID == "" {
		return errors.New("missing message id")
	}
	val, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		byID := tx.Bucket([]byte(bByID))
		byTS := tx.Bucket([]byte(bByTS))

		if byID.Get([]byte(m.ID)) != nil {
			return nil
		}
		if err := byID.Put([]byte(m.ID), val); err != nil {
			return err
		}
		return byTS.Put(tsKey(m.Timestamp.UnixNano(), m.ID), nil)
	})
}

// Recent returns up to limit messages, oldest first, from the tail of the
// log.
func (s *Store) Recent(limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	out := make([]Message, 0, min(limit, 256))
	err := s.db.View(func(tx *bolt.Tx) error {
		byTS := tx.Bucket([]byte(bByTS))
		byID := tx.Bucket([]byte(bByID))

		c := byTS.Cursor()
		for k, _ := c.Last(); k != nil && len(out) < limit; k, _ = c.Prev() {
			_, id := splitTSKey(k)
			if id == "" {
				continue
			}
			raw := byID.Get([]byte(id))
			if raw == nil {
				continue
			}
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				// Corruption: keep going, don't brick the chat view.
				continue
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Cursor walked newest-to-oldest; flip for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func tsKey(ts int64, id string) []byte {
	// big-endian timestamp for correct ordering; 0x00 + id keeps keys unique.
	b := make([]byte, 8+1+len(id))
	binary.BigEndian.PutUint64(b[:8], uint64(ts))
	b[8] = 0
	copy(b[9:], id)
	return b
}

func splitTSKey(k []byte) (int64, string) {
	if len(k) < 9 {
		return 0, ""
	}
	return int64(binary.BigEndian.Uint64(k[:8])), string(k[9:])
}
