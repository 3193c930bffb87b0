package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/repository"
	"github.com/jmylchreest/hlsforge/internal/worker"
)

// fakeRunner applies worker transitions to the store without a subprocess.
type fakeRunner struct {
	store jobstore.Store

	// block, when set, holds every run until closed, cancelled or shut down.
	block chan struct{}
	// fail decides whether an attempt fails; nil means success.
	fail func(id string, call int) error

	started chan string

	mu      sync.Mutex
	calls   map[string]int
	order   []string
	final   []bool
	cancels map[string]context.CancelFunc
}

func newFakeRunner(store jobstore.Store) *fakeRunner {
	return &fakeRunner{
		store:   store,
		started: make(chan string, 100),
		calls:   make(map[string]int),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (r *fakeRunner) Run(ctx context.Context, id string, attempt worker.Attempt) (worker.Outcome, error) {
	storeCtx := context.WithoutCancel(ctx)
	begun, err := r.store.Update(storeCtx, id, func(j *models.TranscodeJob) error {
		return j.MarkProcessing(models.Now())
	})
	if errors.Is(err, jobstore.ErrTerminal) {
		cur, getErr := r.store.Get(storeCtx, id)
		return worker.Outcome{Job: cur}, getErr
	}
	if err != nil {
		return worker.Outcome{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.calls[id]++
	call := r.calls[id]
	r.order = append(r.order, id)
	r.final = append(r.final, attempt.Final)
	r.cancels[id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
	}()

	r.started <- id
	if r.block != nil {
		select {
		case <-r.block:
		case <-runCtx.Done():
		}
	}

	if cur, err := r.store.Get(storeCtx, id); err == nil {
		switch {
		case !cur.QueuedAt.Equal(begun.QueuedAt):
			return worker.Outcome{Superseded: true}, nil
		case cur.Status == models.TranscodeStatusCancelled:
			return worker.Outcome{Job: cur}, nil
		}
	}

	var runErr error
	if ctx.Err() != nil {
		runErr = worker.ErrInterrupted
		attempt.Final = false
	} else if r.fail != nil {
		runErr = r.fail(id, call)
	}

	if runErr != nil {
		jobErr := &models.JobError{Message: runErr.Error()}
		snap, err := r.store.Update(storeCtx, id, func(j *models.TranscodeJob) error {
			if attempt.Final {
				return j.MarkFailed(models.Now(), jobErr)
			}
			return j.MarkRetrying(jobErr)
		})
		if err != nil {
			return worker.Outcome{}, err
		}
		return worker.Outcome{Job: snap, Err: jobErr, Retry: !attempt.Final}, nil
	}

	snap, err := r.store.Update(storeCtx, id, func(j *models.TranscodeJob) error {
		return j.MarkCompleted(models.Now(), &models.OutputInfo{Playlist: "index.m3u8"})
	})
	if err != nil {
		return worker.Outcome{}, err
	}
	return worker.Outcome{Job: snap}, nil
}

func (r *fakeRunner) Cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *fakeRunner) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *fakeRunner) runOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func testInvocation(id string) models.Invocation {
	return models.Invocation{InputPath: "/in/" + id + ".mp4", OutputDir: "/out/" + id}
}

func newTestRepo(t *testing.T) repository.QueueJobRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.QueueJob{}, &models.QueueJobHistory{}))
	return repository.NewQueueJobRepository(db)
}
