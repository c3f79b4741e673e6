// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package audit provides a durable, crash-surviving journal of failover
// engine decisions, backed by BadgerDB. The status file (internal/
// statusfile) answers "what is the current state"; this journal answers
// "why did we fail over at 03:14" after a restart — a supplement over
// the original spec's bare status file (SPEC_FULL.md §4.5).
package audit

import (
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is one recorded failover-engine decision.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"`
	Targets      []int     `json:"targets"`
	OldMainID    int32     `json:"old_main_id"`
	NewMainID    int32     `json:"new_main_id"`
	NewPrimaryID int32     `json:"new_primary_id"`
	RestartScope string    `json:"restart_scope"`
}

// Journal is an append-only, time-ordered audit log.
type Journal struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger-backed journal at dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open badger: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying Badger handles.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one event. Keys are timestamp-prefixed so iteration in
// key order is chronological.
func (j *Journal) Append(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	key := []byte(fmt.Sprintf("%020d:%s", ev.Timestamp.UnixNano(), ev.ID))
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Recent returns up to limit most recently appended events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	var out []Event
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(out) < limit; it.Next() {
			item := it.Item()
			var ev Event
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}
