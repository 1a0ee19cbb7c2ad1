package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewQueue(client)
	require.NoError(t, err)
	return q, mr
}

func testPayload() JobPayload {
	return JobPayload{
		DocumentID: 1,
		UserID:     7,
		StorageKey: "documents/notes.txt",
		Filename:   "notes.txt",
		MimeType:   "text/plain",
		SizeBytes:  64,
	}
}

func TestDequeueClaimKeepsJobOnActiveList(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, testPayload())
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 1, job.Attempt)
	assert.EqualValues(t, 1, job.Payload.DocumentID)

	// The claim is one list move: the id sits on the active list the moment
	// it leaves the waiting list, never on neither.
	active, err := mr.List(keyActive)
	require.NoError(t, err)
	assert.Equal(t, []string{jobID}, active)
	assert.False(t, mr.Exists(keyWaiting))
}

func TestDequeueTimeoutReturnsErrNoJob(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestCompleteMovesJobToRetention(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, testPayload())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, jobID))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.EqualValues(t, 1, counts.Completed)

	detail, err := q.Job(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "completed", detail.State)
	assert.NotNil(t, detail.FinishedAt)
}

func TestRetryRedeliversWithIncrementedAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, testPayload())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, jobID, 0))

	retried, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, jobID, retried.ID)
	assert.Equal(t, 2, retried.Attempt)
}

func TestFailTerminalLandsOnFailedList(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, testPayload())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, jobID, "extraction exploded", true))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.EqualValues(t, 1, counts.Failed)

	detail, err := q.Job(ctx, jobID)
	require.NoError(t, err)
	require.NotNil(t, detail)
	assert.Equal(t, "failed", detail.State)
	require.NotNil(t, detail.FailureReason)
	assert.Equal(t, "extraction exploded", *detail.FailureReason)
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	assert.False(t, q.Paused(ctx))
	require.NoError(t, q.Pause(ctx))
	assert.True(t, q.Paused(ctx))
	require.NoError(t, q.Resume(ctx))
	assert.False(t, q.Paused(ctx))
}
