package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalAppendReplay(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	first := Entry{
		Topic:    "wallet.transaction.created",
		Key:      "player-1",
		Payload:  []byte(`{"amount":"25.00"}`),
		Reason:   "queue-full",
		Attempts: 1,
		At:       time.Now().UTC(),
	}
	second := Entry{
		Topic:   "aml.alert.created",
		Key:     "player-2",
		Payload: []byte(`{"severity":"high"}`),
		Reason:  "handler-failed",
		At:      time.Now().UTC(),
	}

	seq1, err := j.Append(ctx, first)
	require.NoError(t, err)
	seq2, err := j.Append(ctx, second)
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)

	var got []Entry
	require.NoError(t, j.Replay(ctx, func(seq uint64, e Entry) error {
		got = append(got, e)
		return nil
	}))

	require.Len(t, got, 2)
	assert.Equal(t, first.Topic, got[0].Topic)
	assert.Equal(t, first.Payload, got[0].Payload)
	assert.Equal(t, second.Reason, got[1].Reason)
}

func TestJournalTruncate(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 3; i++ {
		seq, err := j.Append(ctx, Entry{Topic: "wallet.transaction.created", Key: "p"})
		require.NoError(t, err)
		last = seq
	}

	require.NoError(t, j.Truncate(ctx, last-1))

	n, err := j.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournalSequenceResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := Open(dir)
	require.NoError(t, err)
	seq1, err := j.Append(ctx, Entry{Topic: "wallet.transaction.created"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()

	seq2, err := j.Append(ctx, Entry{Topic: "wallet.transaction.created"})
	require.NoError(t, err)
	assert.Equal(t, seq1+1, seq2)
}

func TestJournalClosed(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, j.Close())

	_, err = j.Append(context.Background(), Entry{Topic: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}
