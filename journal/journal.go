// Package journal records one append-only entry per committed mutating call
// so deployments can audit settlement activity and replay commands after a
// crash.
package journal

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"gridsettle/core/types"
	"gridsettle/storage"
)

var prefix = []byte("journal/")

// Record is a single committed command.
type Record struct {
	ID        string        `json:"id"`
	Seq       uint64        `json:"seq"`
	Op        string        `json:"op"`
	Caller    types.Address `json:"caller"`
	Params    string        `json:"params,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Journal appends committed commands to the backing store. It is not
// safe for concurrent use; the processor serializes writers.
type Journal struct {
	db  storage.Database
	seq uint64
}

// Open creates a journal over the database, resuming the sequence number
// after the highest existing record.
func Open(db storage.Database) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database required")
	}
	j := &Journal{db: db}
	err := db.IteratePrefix(prefix, func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Seq > j.seq {
			j.seq = rec.Seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(append([]byte{}, prefix...), []byte(hex.EncodeToString(buf[:]))...)
}

// Append writes a new record and returns it. Params must be JSON-marshalable.
func (j *Journal) Append(op string, caller types.Address, params any, timestamp int64) (*Record, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("journal: not configured")
	}
	encoded := ""
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("journal: encode params: %w", err)
		}
		encoded = string(raw)
	}
	j.seq++
	rec := &Record{
		ID:        uuid.NewString(),
		Seq:       j.seq,
		Op:        op,
		Caller:    caller,
		Params:    encoded,
		Timestamp: timestamp,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := j.db.Put(seqKey(rec.Seq), raw); err != nil {
		return nil, err
	}
	return rec, nil
}

// Replay visits every record in sequence order.
func (j *Journal) Replay(fn func(Record) error) error {
	if j == nil || j.db == nil {
		return errors.New("journal: not configured")
	}
	return j.db.IteratePrefix(prefix, func(key, value []byte) error {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		return fn(rec)
	})
}

// Len returns the number of committed records.
func (j *Journal) Len() uint64 {
	if j == nil {
		return 0
	}
	return j.seq
}
