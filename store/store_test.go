package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqlab/delta"
)

func testStore(t *testing.T) *CheckpointStore {
	t.Helper()
	checkpointStore, err := Open(filepath.Join(t.TempDir(), "delta.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		checkpointStore.Close()
	})
	return checkpointStore
}

func testCheckpoint(sessionId delta.Id, lastSequenceNumber uint64) *delta.Checkpoint {
	return &delta.Checkpoint{
		SessionId:             sessionId,
		LastSequenceNumber:    lastSequenceNumber,
		MinimumSequenceNumber: lastSequenceNumber / 2,
		QuorumSnapshot: []*delta.QuorumValue{
			{
				Key:                    "activeCode",
				Value:                  []byte(`"lasers"`),
				ProposalSequenceNumber: 1,
				SequenceNumber:         2,
			},
		},
		Members: []*delta.Member{
			{
				ClientId:             delta.Id{1},
				JoinedSequenceNumber: 0,
			},
		},
	}
}

func TestSaveLoadLatest(t *testing.T) {
	ctx := context.Background()
	checkpointStore := testStore(t)

	sessionId := delta.NewId()
	_, err := checkpointStore.LoadLatest(ctx, sessionId)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId, 10)))
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId, 25)))
	otherSessionId := delta.NewId()
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(otherSessionId, 99)))

	checkpoint, err := checkpointStore.LoadLatest(ctx, sessionId)
	require.NoError(t, err)
	assert.Equal(t, sessionId, checkpoint.SessionId)
	assert.Equal(t, uint64(25), checkpoint.LastSequenceNumber)
	require.Len(t, checkpoint.QuorumSnapshot, 1)
	assert.Equal(t, "activeCode", checkpoint.QuorumSnapshot[0].Key)
	assert.Equal(t, `"lasers"`, string(checkpoint.QuorumSnapshot[0].Value))
	require.Len(t, checkpoint.Members, 1)
	assert.Equal(t, delta.Id{1}, checkpoint.Members[0].ClientId)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	checkpointStore := testStore(t)

	sessionId := delta.NewId()
	for last := uint64(10); last <= 50; last += 10 {
		require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId, last)))
	}
	otherSessionId := delta.NewId()
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(otherSessionId, 7)))

	pruned, err := checkpointStore.Prune(ctx, sessionId, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pruned)

	checkpoint, err := checkpointStore.LoadLatest(ctx, sessionId)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), checkpoint.LastSequenceNumber)

	// other sessions are untouched
	checkpoint, err = checkpointStore.LoadLatest(ctx, otherSessionId)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), checkpoint.LastSequenceNumber)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	checkpointStore := testStore(t)

	sessionIds, err := checkpointStore.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessionIds, 0)

	sessionId1 := delta.NewId()
	sessionId2 := delta.NewId()
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId1, 10)))
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId1, 20)))
	require.NoError(t, checkpointStore.Save(ctx, testCheckpoint(sessionId2, 5)))

	sessionIds, err = checkpointStore.Sessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessionIds, 2)
	assert.Contains(t, sessionIds, sessionId1)
	assert.Contains(t, sessionIds, sessionId2)
}
