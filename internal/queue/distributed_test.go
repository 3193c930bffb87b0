package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

type distributedFixture struct {
	q      *Distributed
	runner *fakeRunner
	store  *jobstore.MemoryStore
}

func newDistributed(t *testing.T, maxAttempts int) distributedFixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	runner := newFakeRunner(store)
	cfg := testDurableConfig("ignored")
	cfg.MaxAttempts = maxAttempts
	q := NewDistributed(store, runner, newTestRepo(t), cfg, nil)
	return distributedFixture{q: q, runner: runner, store: store}
}

func (f distributedFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.q.Start(context.Background()))
	t.Cleanup(f.q.Stop)
}

func TestDistributed_SubmitCompletes(t *testing.T) {
	f := newDistributed(t, 3)
	f.start(t)
	ctx := context.Background()

	fut, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)

	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress.Percent)
	assert.Equal(t, 3, job.MaxAttempts)

	qjob, err := f.q.Durable().Latest(ctx, "m1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		qjob, err = f.q.Durable().Latest(ctx, "m1")
		return err == nil && qjob.Status == models.QueueJobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "index.m3u8", qjob.Result)
	assert.Equal(t, TranscodeQueueName, qjob.Queue)
}

func TestDistributed_DuplicateSubmitWhileProcessingIsNoop(t *testing.T) {
	f := newDistributed(t, 3)
	f.runner.block = make(chan struct{})
	f.start(t)
	ctx := context.Background()

	first, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)
	waitStarted(t, f.runner, "m1")

	before, err := f.q.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, models.TranscodeStatusProcessing, before.Status)

	second, err := f.q.Submit(ctx, "m1", models.Invocation{InputPath: "/other.mp4", OutputDir: "/elsewhere"})
	require.NoError(t, err)

	after, err := f.q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Equal(t, "/in/m1.mp4", after.Invocation.InputPath)

	jobs, err := f.q.Durable().List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	close(f.runner.block)
	for _, fut := range []*Future{first, second} {
		job := waitFuture(t, fut)
		assert.Equal(t, models.TranscodeStatusCompleted, job.Status)
	}
	assert.Equal(t, 1, f.runner.callCount("m1"))
}

func TestDistributed_ConcurrentSubmitsAdmitOne(t *testing.T) {
	f := newDistributed(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	jobs, err := f.q.Durable().List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	all, err := f.q.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDistributed_RetriesThenCompletes(t *testing.T) {
	f := newDistributed(t, 3)
	f.runner.fail = func(_ string, call int) error {
		if call == 1 {
			return errors.New("exit code 1")
		}
		return nil
	}
	f.start(t)

	fut, err := f.q.Submit(context.Background(), "m1", testInvocation("m1"))
	require.NoError(t, err)

	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "exit code 1", job.LastError)
	assert.Equal(t, []bool{false, false}, f.runner.final)
}

func TestDistributed_ExhaustedRaisesAlert(t *testing.T) {
	f := newDistributed(t, 2)
	f.runner.fail = func(string, int) error { return errors.New("exit code 1") }

	alerts := make(chan *models.TranscodeJob, 1)
	f.q.OnExhausted(func(_ context.Context, job *models.TranscodeJob) { alerts <- job })
	f.start(t)

	fut, err := f.q.Submit(context.Background(), "m1", testInvocation("m1"))
	require.NoError(t, err)

	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempt)

	select {
	case alerted := <-alerts:
		assert.Equal(t, "m1", alerted.ID)
		assert.Equal(t, models.TranscodeStatusFailed, alerted.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion not surfaced")
	}
	assert.Equal(t, []bool{false, true}, f.runner.final)
}

func TestDistributed_CancelQueued(t *testing.T) {
	f := newDistributed(t, 3)
	ctx := context.Background()

	fut, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)

	ok, err := f.q.Cancel(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusCancelled, job.Status)

	qjob, err := f.q.Durable().Latest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusCancelled, qjob.Status)

	ok, err = f.q.Cancel(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDistributed_CancelRunning(t *testing.T) {
	f := newDistributed(t, 3)
	f.runner.block = make(chan struct{})
	defer close(f.runner.block)
	f.start(t)
	ctx := context.Background()

	fut, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)
	waitStarted(t, f.runner, "m1")

	ok, err := f.q.Cancel(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusCancelled, job.Status)

	time.Sleep(50 * time.Millisecond)
	qjob, err := f.q.Durable().Latest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusCancelled, qjob.Status)
}

func TestDistributed_ResubmitAfterCancelRunsNewJob(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	store := jobstore.NewMemoryStore()
	w := worker.New(store, nil, worker.Config{MinPercentStep: 1}, nil)
	cfg := testDurableConfig("ignored")
	cfg.MaxAttempts = 1
	q := NewDistributed(store, w, newTestRepo(t), cfg, nil)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	ctx := context.Background()

	shell := func(body string) models.Invocation {
		return models.Invocation{Binary: "/bin/sh", Args: []string{"-c", body}}
	}

	first, err := q.Submit(ctx, "vid", shell("printf 'Duration: 00:02:00.00, start: 0.000000\\n' >&2\nexec sleep 30"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := store.Get(ctx, "vid")
		return err == nil && job.Status == models.TranscodeStatusProcessing && w.Running("vid")
	}, 5*time.Second, 10*time.Millisecond)

	ok, err := q.Cancel(ctx, "vid")
	require.NoError(t, err)
	require.True(t, ok)

	second, err := q.Submit(ctx, "vid", shell("exit 0"))
	require.NoError(t, err)

	cancelled := waitFuture(t, first)
	assert.Equal(t, models.TranscodeStatusCancelled, cancelled.Status)

	job := waitFuture(t, second)
	assert.Equal(t, models.TranscodeStatusCompleted, job.Status)
	assert.Nil(t, job.Error)
	assert.Equal(t, 1, job.Attempt)
	assert.True(t, job.QueuedAt.After(cancelled.QueuedAt))
}

func TestDistributed_RecoversJobLeftProcessing(t *testing.T) {
	f := newDistributed(t, 3)
	ctx := context.Background()

	fut, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)

	// Simulate a process that died after starting the job.
	_, err = f.store.Update(ctx, "m1", func(j *models.TranscodeJob) error {
		return j.MarkProcessing(models.Now())
	})
	require.NoError(t, err)

	f.start(t)
	job := waitFuture(t, fut)
	assert.Equal(t, models.TranscodeStatusCompleted, job.Status)
	assert.Equal(t, errWorkerLost.Error(), job.LastError)
}

func TestDistributed_StopReleasesWork(t *testing.T) {
	f := newDistributed(t, 3)
	f.runner.block = make(chan struct{})
	defer close(f.runner.block)
	require.NoError(t, f.q.Start(context.Background()))
	ctx := context.Background()

	fut, err := f.q.Submit(ctx, "m1", testInvocation("m1"))
	require.NoError(t, err)
	waitStarted(t, f.runner, "m1")

	f.q.Stop()

	_, err = fut.Wait(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	snap, err := f.q.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusQueued, snap.Status)

	qjob, err := f.q.Durable().Latest(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusPending, qjob.Status)
	assert.Zero(t, qjob.AttemptCount)

	_, err = f.q.Submit(ctx, "m2", testInvocation("m2"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDistributed_MissingStoreJobFailsPermanently(t *testing.T) {
	f := newDistributed(t, 3)
	ctx := context.Background()

	_, _, err := f.q.Durable().Enqueue(ctx, "ghost", transcodePayload{ID: "ghost"})
	require.NoError(t, err)
	f.start(t)

	require.Eventually(t, func() bool {
		qjob, err := f.q.Durable().Latest(ctx, "ghost")
		return err == nil && qjob.Status == models.QueueJobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.runner.callCount("ghost"))
}
