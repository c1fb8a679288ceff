// Package journal is an append-only event journal backed by Badger.
//
// It is a secondary engine.Sink: the CLI can attach it next to the SQLite
// store so a session's event log survives even when the relational store is
// unavailable. Keys are laid out so that a prefix scan returns a session's
// events in seq order:
//
//	ev/<session id>/<seq, 8 bytes big-endian>  -> event JSON
//	ss/<session id>                            -> latest session JSON
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/torque/internal/torque"
)

const (
	eventPrefix   = "ev/"
	sessionPrefix = "ss/"
)

// ErrNotFound is returned when a session has no journal entry.
var ErrNotFound = errors.New("journal: not found")

// Journal wraps a Badger database.
type Journal struct {
	db *badger.DB
}

// Open opens or creates a journal in dir.
func Open(dir string) (*Journal, error) {
	return open(badger.DefaultOptions(dir))
}

// OpenInMemory opens a journal that lives only as long as the process.
func OpenInMemory() (*Journal, error) {
	return open(badger.DefaultOptions("").WithInMemory(true))
}

func open(opts badger.Options) (*Journal, error) {
	db, err := badger.Open(opts.WithLogger(slogLogger{slog.Default().With("component", "journal")}))
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	return j.db.Close()
}

func eventKey(sessionID string, seq int64) []byte {
	k := make([]byte, 0, len(eventPrefix)+len(sessionID)+1+8)
	k = append(k, eventPrefix...)
	k = append(k, sessionID...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, uint64(seq))
}

func sessionKey(sessionID string) []byte {
	return []byte(sessionPrefix + sessionID)
}

// SaveEvent appends e. Writing the same (session, seq) twice keeps the
// first value.
func (j *Journal) SaveEvent(_ context.Context, e torque.Event) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}
	key := eventKey(e.SessionID, e.Seq)
	err = j.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}
	return nil
}

// SaveSession overwrites the latest snapshot of a session.
func (j *Journal) SaveSession(_ context.Context, s torque.Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("journal session: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(s.ID), val)
	})
	if err != nil {
		return fmt.Errorf("journal session: %w", err)
	}
	return nil
}

// Session returns the latest journaled snapshot of a session.
func (j *Journal) Session(id string) (torque.Session, error) {
	var s torque.Session
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		return torque.Session{}, fmt.Errorf("journal session %q: %w", id, err)
	}
	return s, nil
}

// Sessions returns the ids of every journaled session in key order.
func (j *Journal) Sessions() ([]string, error) {
	var ids []string
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(sessionPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal sessions: %w", err)
	}
	return ids, nil
}

// Replay calls fn for every journaled event of a session in seq order.
// Returning an error from fn stops the replay and returns that error.
func (j *Journal) Replay(ctx context.Context, sessionID string, fn func(torque.Event) error) error {
	prefix := []byte(eventPrefix + sessionID + "/")
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e torque.Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return fmt.Errorf("replay %s: %w", sessionID, err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

// Events collects a session's journaled events.
func (j *Journal) Events(ctx context.Context, sessionID string) ([]torque.Event, error) {
	events := []torque.Event{}
	err := j.Replay(ctx, sessionID, func(e torque.Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// slogLogger routes Badger's internal logging through slog.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Errorf(format string, args ...any) {
	s.l.Error(fmt.Sprintf(format, args...))
}

func (s slogLogger) Warningf(format string, args ...any) {
	s.l.Warn(fmt.Sprintf(format, args...))
}

func (s slogLogger) Infof(format string, args ...any) {
	s.l.Debug(fmt.Sprintf(format, args...))
}

func (s slogLogger) Debugf(format string, args ...any) {
	s.l.Debug(fmt.Sprintf(format, args...))
}
