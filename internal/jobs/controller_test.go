package jobs_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-orders/internal/jobs"
	"ms-orders/internal/logger"
)

type countingJob struct {
	runs    atomic.Int32
	block   chan struct{}
	started chan struct{}
	err     error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(ctx context.Context) (jobs.Summary, error) {
	j.runs.Add(1)
	if j.started != nil {
		j.started <- struct{}{}
	}
	if j.block != nil {
		<-j.block
	}
	return jobs.Summary{Scanned: 2, Processed: 1}, j.err
}

func testLogger() *logger.Logger {
	return logger.NewTestLogger(io.Discard)
}

func TestRunOnceRecordsStatus(t *testing.T) {
	job := &countingJob{}
	c := jobs.NewController(job, time.Minute, testLogger())

	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	st := c.Status()
	assert.Equal(t, "counting", st.Name)
	assert.False(t, st.Running)
	assert.EqualValues(t, 1, st.Runs)
	assert.Equal(t, 2, st.LastSummary.Scanned)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastRunAt.IsZero())
}

func TestRunOnceRecordsError(t *testing.T) {
	job := &countingJob{err: errors.New("db down")}
	c := jobs.NewController(job, time.Minute, testLogger())

	ran, err := c.RunOnce(context.Background())
	assert.True(t, ran)
	assert.EqualError(t, err, "db down")
	assert.Equal(t, "db down", c.Status().LastError)
}

func TestRunOnceSkipsWhileProcessing(t *testing.T) {
	job := &countingJob{block: make(chan struct{}), started: make(chan struct{}, 1)}
	c := jobs.NewController(job, time.Minute, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.RunOnce(context.Background())
	}()
	<-job.started
	assert.True(t, c.Status().Processing)

	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	close(job.block)
	<-done
	assert.EqualValues(t, 1, job.runs.Load())
	assert.EqualValues(t, 1, c.Status().Skipped)
}

func TestStartRunsImmediatelyAndStopWaits(t *testing.T) {
	job := &countingJob{started: make(chan struct{}, 10)}
	c := jobs.NewController(job, time.Hour, testLogger())

	c.Start(context.Background())
	c.Start(context.Background()) // second start is a no-op
	select {
	case <-job.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}
	assert.True(t, c.Status().Running)

	c.Stop()
	c.Stop() // second stop is a no-op
	assert.False(t, c.Status().Running)
	assert.EqualValues(t, 1, job.runs.Load())
}

func TestStartTicks(t *testing.T) {
	job := &countingJob{}
	c := jobs.NewController(job, 10*time.Millisecond, testLogger())
	c.Start(context.Background())
	defer c.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	a := jobs.NewRedisLease(client)
	b := jobs.NewRedisLease(client)

	ok, err := a.Acquire(ctx, "state-timeout", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, "state-timeout", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Releasing someone else's lease leaves it in place.
	require.NoError(t, b.Release(ctx, "state-timeout"))
	assert.True(t, mr.Exists("job_lease:state-timeout"))

	require.NoError(t, a.Release(ctx, "state-timeout"))
	assert.False(t, mr.Exists("job_lease:state-timeout"))

	ok, err = a.Acquire(ctx, "state-timeout", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(2 * time.Second)
	ok, err = b.Acquire(ctx, "state-timeout", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired leases can be taken over")
}

func TestControllerSkipsWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	other := jobs.NewRedisLease(client)
	ok, err := other.Acquire(context.Background(), "counting", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job := &countingJob{}
	c := jobs.NewController(job, time.Minute, testLogger(), jobs.WithLease(jobs.NewRedisLease(client), time.Minute))

	ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, job.runs.Load())

	require.NoError(t, other.Release(context.Background(), "counting"))
	ran, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("job_lease:counting"), "lease released after the run")
}
