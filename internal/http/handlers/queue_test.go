package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/httpclient"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/queue"
	"github.com/jmylchreest/hlsforge/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func newTestDurable(t *testing.T, db *gorm.DB, name string, handler queue.HandlerFunc) *queue.Durable {
	t.Helper()
	return queue.NewDurable(repository.NewQueueJobRepository(db), queue.DurableConfig{
		Name:        name,
		MaxAttempts: 1,
		Backoff:     time.Millisecond,
		Runner: queue.RunnerConfig{
			WorkerCount:  1,
			PollInterval: 10 * time.Millisecond,
			WorkerID:     "test",
		},
	}, handler, quietLogger())
}

func serveQueues(t *testing.T, h *handlers.QueueHandler) *chi.Mux {
	t.Helper()
	router, api := newTestRouter()
	h.Register(api)
	return router
}

func TestQueueHandler_History(t *testing.T) {
	db := newTestDB(t)
	d := newTestDurable(t, db, "notify", func(_ context.Context, job *models.QueueJob) (string, error) {
		if job.Key == "bad" {
			return "", errors.New("boom")
		}
		return "sent", nil
	})
	ctx := context.Background()
	for _, key := range []string{"a", "b", "bad"} {
		_, _, err := d.Enqueue(ctx, key, map[string]string{"k": key})
		require.NoError(t, err)
	}
	require.NoError(t, d.Start(ctx))
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool {
		_, total, err := d.History(ctx, 0, 10)
		return err == nil && total == 3
	}, 5*time.Second, 10*time.Millisecond)

	router := serveQueues(t, handlers.NewQueueHandler(d))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues/notify/history?page=1&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	out := decode[handlers.QueueHistoryOutput](t, rec).Body
	assert.Len(t, out.History, 2)
	assert.Equal(t, handlers.PaginationMeta{CurrentPage: 1, PageSize: 2, TotalItems: 3, TotalPages: 2}, out.Pagination)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues/notify/history?page=2&limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[handlers.QueueHistoryOutput](t, rec).Body.History, 1)
}

func TestQueueHandler_Status(t *testing.T) {
	db := newTestDB(t)
	noop := func(context.Context, *models.QueueJob) (string, error) { return "", nil }
	h := handlers.NewQueueHandler(newTestDurable(t, db, "notify", noop), newTestDurable(t, db, "transcode", noop), nil)
	assert.Equal(t, []string{"notify", "transcode"}, h.Names())

	router := serveQueues(t, h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues/transcode/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[queue.RunnerStatus](t, rec)
	assert.Equal(t, "transcode", status.Queue)
	assert.False(t, status.Running)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[handlers.ListQueuesOutput](t, rec).Body.Queues, 2)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queues/nope/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	db := newTestDB(t)
	client := httpclient.New(httpclient.DefaultConfig())

	h := handlers.NewHealthHandler("1.2.3").WithDB(db).WithWebhookClient(client)
	router, api := newTestRouter()
	h.Register(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[handlers.HealthResponse](t, rec)
	assert.Equal(t, handlers.StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "ok", resp.Components.Database.Status)
	require.NotNil(t, resp.Components.CircuitBreaker)
	assert.Equal(t, "closed", resp.Components.CircuitBreaker.State)
	assert.Positive(t, resp.CPUInfo.Cores)
}

type stubFFmpeg struct {
	info *ffmpeg.BinaryInfo
	err  error
}

func (s stubFFmpeg) Detect(context.Context) (*ffmpeg.BinaryInfo, error) { return s.info, s.err }

func TestHealthHandler_FFmpeg(t *testing.T) {
	tests := []struct {
		name       string
		detector   stubFFmpeg
		wantStatus string
		wantCheck  string
	}{
		{"found", stubFFmpeg{info: &ffmpeg.BinaryInfo{FFmpegPath: "/usr/bin/ffmpeg", Version: "7.1"}}, handlers.StatusHealthy, "ok"},
		{"missing", stubFFmpeg{err: errors.New("ffmpeg not found")}, handlers.StatusDegraded, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, api := newTestRouter()
			handlers.NewHealthHandler("dev").WithFFmpeg(tt.detector).Register(api)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, http.StatusOK, rec.Code)

			resp := decode[handlers.HealthResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantCheck, resp.Checks["ffmpeg"])
			require.NotNil(t, resp.Components.FFmpeg)
			if tt.detector.info != nil {
				assert.Equal(t, "7.1", resp.Components.FFmpeg.Version)
			}
		})
	}
}

func TestHealthHandler_Probes(t *testing.T) {
	h := handlers.NewHealthHandler("dev").WithStore(stubPinger{err: errors.New("redis down")})
	router, api := newTestRouter()
	h.Register(api)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_store":"error"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, handlers.StatusUnhealthy, decode[handlers.HealthResponse](t, rec).Status)
}
