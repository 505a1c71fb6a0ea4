package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentFleet/internal/errors"
)

func TestMemoryQueueDeliversJobs(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, 2, func(_ context.Context, job Job) error {
			mu.Lock()
			seen = append(seen, job.Agent)
			mu.Unlock()
			return nil
		})
	}()

	require.NoError(t, q.Publish(ctx, NewJob(KindTrain, "sales")))
	require.NoError(t, q.Publish(ctx, NewJob(KindTrain, "support")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.ElementsMatch(t, []string{"sales", "support"}, seen)
}

func TestMemoryQueuePublishAfterClose(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), NewJob(KindTrain, "sales"))
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
}

func TestMemoryQueueConsumeReturnsWhenClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	done := make(chan error, 1)
	go func() { done <- q.Consume(context.Background(), 1, func(context.Context, Job) error { return nil }) }()

	require.NoError(t, q.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume did not return after close")
	}
}

func TestJobCodec(t *testing.T) {
	job := NewJob(KindTrain, "sales")
	require.NotEmpty(t, job.ID)

	body, err := job.Encode()
	require.NoError(t, err)
	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, job, decoded)

	_, err = Decode([]byte(`{"id":"x"}`))
	assert.Equal(t, xerrors.CodeQueueFailure, xerrors.CodeOf(err))
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
