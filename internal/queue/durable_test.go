package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

type notePayload struct {
	Text string `json:"text"`
}

func testDurableConfig(name string) DurableConfig {
	return DurableConfig{
		Name:        name,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Runner: RunnerConfig{
			WorkerCount:  2,
			PollInterval: 10 * time.Millisecond,
			WorkerID:     "test",
		},
	}
}

func startDurable(t *testing.T, d *Durable) {
	t.Helper()
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)
}

func waitStatus(t *testing.T, repo repository.QueueJobRepository, queue, key string, want models.QueueJobStatus) *models.QueueJob {
	t.Helper()
	var job *models.QueueJob
	require.Eventually(t, func() bool {
		var err error
		job, err = repo.FindLatest(context.Background(), queue, key)
		return err == nil && job != nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", key, want)
	return job
}

func TestDurable_EnqueueIsIdempotentWhileActive(t *testing.T) {
	repo := newTestRepo(t)
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		return "", nil
	}), nil)
	ctx := context.Background()

	first, created, err := d.Enqueue(ctx, "k1", notePayload{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := d.Enqueue(ctx, "k1", notePayload{Text: "again"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	p, err := DecodePayload[notePayload](second)
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Text)

	_, created, err = d.Enqueue(ctx, "k2", notePayload{})
	require.NoError(t, err)
	assert.True(t, created)

	jobs, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDurable_ProcessesAndRecordsHistory(t *testing.T) {
	repo := newTestRepo(t)
	var seen atomic.Value
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(_ context.Context, job *models.QueueJob) (string, error) {
		p, err := DecodePayload[notePayload](job)
		if err != nil {
			return "", err
		}
		seen.Store(p.Text)
		return "ok:" + p.Text, nil
	}), nil)
	startDurable(t, d)
	ctx := context.Background()

	_, _, err := d.Enqueue(ctx, "k1", notePayload{Text: "hello"})
	require.NoError(t, err)

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusCompleted)
	assert.Equal(t, "ok:hello", job.Result)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Nil(t, job.ActiveKey)
	assert.Equal(t, "hello", seen.Load())

	history, total, err := d.History(ctx, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, history, 1)
	assert.Equal(t, models.QueueJobStatusCompleted, history[0].Status)
	assert.Equal(t, 1, history[0].AttemptNumber)

	// The key is free again once the job finished.
	_, created, err := d.Enqueue(ctx, "k1", notePayload{Text: "again"})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDurable_RetriesWithBackoff(t *testing.T) {
	repo := newTestRepo(t)
	var calls atomic.Int32
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("transient")
		}
		return "done", nil
	}), nil)
	startDurable(t, d)

	_, _, err := d.Enqueue(context.Background(), "k1", notePayload{})
	require.NoError(t, err)

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusCompleted)
	assert.Equal(t, 3, job.AttemptCount)
	assert.Empty(t, job.LastError)

	history, total, err := d.History(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	statuses := make([]models.QueueJobStatus, 0, len(history))
	for _, h := range history {
		statuses = append(statuses, h.Status)
	}
	assert.ElementsMatch(t, []models.QueueJobStatus{
		models.QueueJobStatusFailed, models.QueueJobStatusFailed, models.QueueJobStatusCompleted,
	}, statuses)
}

func TestDurable_ExhaustedCallsHookOnce(t *testing.T) {
	repo := newTestRepo(t)
	cfg := testDurableConfig("notes")
	cfg.MaxAttempts = 2

	var calls atomic.Int32
	exhausted := make(chan *models.QueueJob, 2)
	d := NewDurable(repo, cfg, HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		calls.Add(1)
		return "", errors.New("always broken")
	}), nil).OnExhausted(func(_ context.Context, job *models.QueueJob) {
		exhausted <- job
	})
	startDurable(t, d)

	_, _, err := d.Enqueue(context.Background(), "k1", notePayload{})
	require.NoError(t, err)

	select {
	case job := <-exhausted:
		assert.Equal(t, models.QueueJobStatusFailed, job.Status)
		assert.Equal(t, "always broken", job.LastError)
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion hook not called")
	}

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusFailed)
	assert.Equal(t, 2, job.AttemptCount)
	assert.EqualValues(t, 2, calls.Load())
	assert.Empty(t, exhausted)
}

func TestDurable_PermanentErrorSkipsRetries(t *testing.T) {
	repo := newTestRepo(t)
	var calls atomic.Int32
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		calls.Add(1)
		return "", Permanent(errors.New("bad input"))
	}), nil)
	startDurable(t, d)

	_, _, err := d.Enqueue(context.Background(), "k1", notePayload{})
	require.NoError(t, err)

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusFailed)
	assert.Equal(t, 1, job.AttemptCount)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDurable_HandlerPanicFailsJob(t *testing.T) {
	repo := newTestRepo(t)
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		panic("handler exploded")
	}), nil)
	startDurable(t, d)

	_, _, err := d.Enqueue(context.Background(), "k1", notePayload{})
	require.NoError(t, err)

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusFailed)
	assert.Contains(t, job.LastError, "handler exploded")
}

func TestDurable_StopReleasesRunningJob(t *testing.T) {
	repo := newTestRepo(t)
	started := make(chan struct{})
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(ctx context.Context, _ *models.QueueJob) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), nil)
	require.NoError(t, d.Start(context.Background()))

	_, _, err := d.Enqueue(context.Background(), "k1", notePayload{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	d.Stop()

	job, err := repo.FindLatest(context.Background(), "notes", "k1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusPending, job.Status)
	assert.Zero(t, job.AttemptCount)
	assert.Empty(t, job.LockedBy)

	_, total, err := d.History(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDurable_CancelRunningDropsOutcome(t *testing.T) {
	repo := newTestRepo(t)
	started := make(chan struct{})
	release := make(chan struct{})
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		close(started)
		<-release
		return "finished anyway", nil
	}), nil)
	startDurable(t, d)
	ctx := context.Background()

	_, _, err := d.Enqueue(ctx, "k1", notePayload{})
	require.NoError(t, err)
	<-started

	ok, err := d.Cancel(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	close(release)

	time.Sleep(50 * time.Millisecond)
	job, err := d.Latest(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.QueueJobStatusCancelled, job.Status)
	assert.Empty(t, job.Result)

	ok, err = d.Cancel(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDurable_RecoversStaleLocks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	lockedAt := models.Now().Add(-2 * time.Hour)
	orphan := &models.QueueJob{
		Queue:        "notes",
		Key:          "k1",
		Payload:      `{"text":"orphan"}`,
		Status:       models.QueueJobStatusRunning,
		AttemptCount: 1,
		MaxAttempts:  3,
		BackoffMs:    1,
		LockedBy:     "dead-worker",
		LockedAt:     &lockedAt,
		StartedAt:    &lockedAt,
	}
	require.NoError(t, repo.Create(ctx, orphan))

	cfg := testDurableConfig("notes")
	cfg.Runner.StaleAfter = time.Hour
	var mu sync.Mutex
	var texts []string
	d := NewDurable(repo, cfg, HandlerFunc(func(_ context.Context, job *models.QueueJob) (string, error) {
		p, err := DecodePayload[notePayload](job)
		mu.Lock()
		texts = append(texts, p.Text)
		mu.Unlock()
		return "recovered", err
	}), nil)
	startDurable(t, d)

	job := waitStatus(t, repo, "notes", "k1", models.QueueJobStatusCompleted)
	assert.Equal(t, 2, job.AttemptCount)
	mu.Lock()
	assert.Equal(t, []string{"orphan"}, texts)
	mu.Unlock()
}

func TestDurable_PruneByCount(t *testing.T) {
	repo := newTestRepo(t)
	cfg := testDurableConfig("notes")
	cfg.Runner.PruneKeep = 2
	d := NewDurable(repo, cfg, HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		return "", nil
	}), nil)
	startDurable(t, d)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		_, _, err := d.Enqueue(ctx, key, notePayload{})
		require.NoError(t, err)
		waitStatus(t, repo, "notes", key, models.QueueJobStatusCompleted)
	}

	n, err := d.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	jobs, err := d.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDurable_Status(t *testing.T) {
	repo := newTestRepo(t)
	d := NewDurable(repo, testDurableConfig("notes"), HandlerFunc(func(context.Context, *models.QueueJob) (string, error) {
		return "", nil
	}), nil)
	ctx := context.Background()

	for _, key := range []string{"k1", "k2"} {
		_, _, err := d.Enqueue(ctx, key, notePayload{})
		require.NoError(t, err)
	}

	status := d.Status(ctx)
	assert.False(t, status.Running)
	assert.Equal(t, "notes", status.Queue)
	assert.EqualValues(t, 2, status.PendingJobs)
	assert.Equal(t, 2, status.WorkerCount)
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsPermanent(base))
}
