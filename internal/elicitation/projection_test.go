package elicitation

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/lighthouse-sub001/internal/eventstore"
)

// driveTraffic runs a mixed workload: accepted, declined, cancelled, and
// still-pending elicitations, plus one unauthorized probe for the violation
// counter.
func driveTraffic(t *testing.T, f *fixture) {
	t.Helper()
	ctx := context.Background()

	accepted, err := f.manager.CreateElicitation(ctx, "alice", "bob", "q1", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: accepted, AgentID: "bob", Type: ResponseAccept,
		Data: map[string]interface{}{"answer": 42},
	}))

	declined, err := f.manager.CreateElicitation(ctx, "alice", "carol", "q2", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: declined, AgentID: "carol", Type: ResponseDecline,
	}))

	cancelled, err := f.manager.CreateElicitation(ctx, "dave", "bob", "q3", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: cancelled, AgentID: "dave", Type: ResponseCancel,
	}))

	_, err = f.manager.CreateElicitation(ctx, "alice", "bob", "q4", nil, time.Hour)
	require.NoError(t, err)

	err = f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: accepted, AgentID: "mallory", Type: ResponseAccept,
	})
	require.Error(t, err)
}

func TestRebuildMatchesLiveProjection(t *testing.T) {
	f := newFixture(t)
	driveTraffic(t, f)

	rebuilt, err := Rebuild(f.store.Stream(eventstore.EventFilter{}, 0))
	require.NoError(t, err)
	rebuilt.AlignSnapshotCursor(f.manager.Projection())

	live, err := f.manager.Projection().Canonical()
	require.NoError(t, err)
	replayed, err := rebuilt.Canonical()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(live, replayed),
		"rebuild diverged: live %d bytes, replayed %d bytes", len(live), len(replayed))

	req, resp, timeouts, violations := rebuilt.Totals()
	assert.Equal(t, uint64(4), req)
	assert.Equal(t, uint64(3), resp)
	assert.Equal(t, uint64(0), timeouts)
	assert.Greater(t, violations, uint64(0))
	assert.Equal(t, 1, rebuilt.ActiveCount())
	assert.Equal(t, 3, rebuilt.CompletedCount())
}

func TestNonceHistorySurvivesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.CreateElicitation(ctx, "alice", "bob", "q", nil, time.Minute)
	require.NoError(t, err)
	r, _, ok := f.manager.Projection().Get(id)
	require.True(t, ok)
	usedNonce := r.Nonce

	require.NoError(t, f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: id, AgentID: "bob", Type: ResponseAccept,
	}))

	assert.True(t, f.manager.Projection().NonceSeen(usedNonce))
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	driveTraffic(t, f)

	dir := filepath.Join(t.TempDir(), "projection")
	seq, err := WriteSnapshot(dir, f.manager.Projection())
	require.NoError(t, err)
	assert.Equal(t, f.manager.Projection().LastSequence(), seq)

	restored, loadedSeq, err := LoadLatestSnapshot(dir)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, seq, loadedSeq)

	a, err := f.manager.Projection().Canonical()
	require.NoError(t, err)
	b, err := restored.Canonical()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func TestSnapshotChecksumDetectsCorruption(t *testing.T) {
	f := newFixture(t)
	driveTraffic(t, f)

	dir := filepath.Join(t.TempDir(), "projection")
	_, err := WriteSnapshot(dir, f.manager.Projection())
	require.NoError(t, err)

	blobs, err := filepath.Glob(filepath.Join(dir, "snapshots", "state_*.msgpack"))
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	corruptFile(t, blobs[0])

	restored, _, err := LoadLatestSnapshot(dir)
	require.NoError(t, err)
	assert.Nil(t, restored, "corrupted snapshot must not restore")
}

func TestRestoreFromSnapshotPlusTail(t *testing.T) {
	f := newFixture(t)
	driveTraffic(t, f)

	snapDir := filepath.Join(t.TempDir(), "projection")
	_, err := WriteSnapshot(snapDir, f.manager.Projection())
	require.NoError(t, err)

	// More traffic after the snapshot.
	ctx := context.Background()
	id, err := f.manager.CreateElicitation(ctx, "erin", "bob", "after snapshot", nil, time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.manager.RespondToElicitation(ctx, RespondParams{
		ElicitationID: id, AgentID: "bob", Type: ResponseAccept,
	}))

	restored, err := RestoreProjection(snapDir, f.store)
	require.NoError(t, err)

	rebuilt, err := Rebuild(f.store.Stream(eventstore.EventFilter{}, 0))
	require.NoError(t, err)
	rebuilt.AlignSnapshotCursor(restored)

	a, err := restored.Canonical()
	require.NoError(t, err)
	b, err := rebuilt.Canonical()
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))
}

func corruptFile(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o600))
}
