// Package eventlog persists events that could not be delivered in-process.
// The event bus spills here when a subscriber queue stays full or a handler
// exhausts its retries; operators drain the journal once the consumer side
// recovers.
//
// Records are CBOR-encoded, lz4-compressed and keyed by a monotonically
// increasing sequence number so replay preserves publish order.
package eventlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pierrec/lz4"
	"github.com/ugorji/go/codec"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("event journal is closed")

// Entry is one undeliverable event.
type Entry struct {
	Topic    string            `codec:"topic"`
	Key      string            `codec:"key"` // partition key, usually the player id
	Payload  []byte            `codec:"payload"`
	Reason   string            `codec:"reason"` // queue-full, handler-failed, ...
	Attempts int               `codec:"attempts"`
	Headers  map[string]string `codec:"headers,omitempty"`
	At       time.Time         `codec:"at"`
}

// Journal is a durable, append-only dead-letter store.
type Journal struct {
	mu     sync.Mutex
	db     *pebble.DB
	seq    uint64
	closed bool

	handle codec.CborHandle
}

// Open opens (or creates) a journal at dir and resumes the sequence counter
// from the last stored record.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open event journal: %w", err)
	}

	j := &Journal{db: db}

	iter, err := db.NewIter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to scan event journal: %w", err)
	}
	if iter.Last() && len(iter.Key()) == 8 {
		j.seq = binary.BigEndian.Uint64(iter.Key())
	}
	if err := iter.Close(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to close journal iterator: %w", err)
	}

	return j, nil
}

// Append stores one entry and returns its sequence number.
func (j *Journal) Append(ctx context.Context, e Entry) (uint64, error) {
	value, err := j.encode(e)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	key := seqKey(j.seq)
	if err := j.db.Set(key, value, pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to append journal entry: %w", err)
	}
	return j.seq, nil
}

// Replay walks entries in sequence order, calling fn for each. Iteration
// stops at the first error from fn.
func (j *Journal) Replay(ctx context.Context, fn func(seq uint64, e Entry) error) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	iter, err := j.db.NewIter(nil)
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to open journal iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(iter.Key()) != 8 {
			continue
		}
		seq := binary.BigEndian.Uint64(iter.Key())

		entry, err := j.decode(iter.Value())
		if err != nil {
			return fmt.Errorf("journal entry %d is corrupt: %w", seq, err)
		}
		if err := fn(seq, entry); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Truncate removes all entries with sequence numbers up to and including
// upTo. Called after a successful drain.
func (j *Journal) Truncate(ctx context.Context, upTo uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	if err := j.db.DeleteRange(seqKey(0), seqKey(upTo+1), pebble.Sync); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	return nil
}

// Len counts pending entries. It scans, so it is for health reporting, not
// hot paths.
func (j *Journal) Len(ctx context.Context) (int, error) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return 0, ErrClosed
	}
	iter, err := j.db.NewIter(nil)
	j.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to open journal iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

func (j *Journal) encode(e Entry) ([]byte, error) {
	var raw []byte
	if err := codec.NewEncoderBytes(&raw, &j.handle).Encode(e); err != nil {
		return nil, fmt.Errorf("failed to encode journal entry: %w", err)
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress journal entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return compressed.Bytes(), nil
}

func (j *Journal) decode(value []byte) (Entry, error) {
	r := lz4.NewReader(bytes.NewReader(value))
	raw, err := io.ReadAll(r)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decompress journal entry: %w", err)
	}

	var e Entry
	if err := codec.NewDecoderBytes(raw, &j.handle).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("failed to decode journal entry: %w", err)
	}
	return e, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
