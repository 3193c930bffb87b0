package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/jobstore"
	"github.com/jmylchreest/hlsforge/internal/models"
	"github.com/jmylchreest/hlsforge/internal/queue"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	api := humachi.New(router, huma.DefaultConfig("Test API", "1.0.0"))
	return router, api
}

type transcodeFixture struct {
	router *chi.Mux
	store  *jobstore.MemoryStore
	queue  *queue.Local
	output string
	input  string
	h      *handlers.TranscodeHandler
}

// newTranscodeFixture serves a local queue that is never started, so
// submitted jobs stay queued until the test moves them.
func newTranscodeFixture(t *testing.T) *transcodeFixture {
	t.Helper()

	store := jobstore.NewMemoryStore()
	q := queue.NewLocal(store, nil, time.Millisecond, quietLogger())
	t.Cleanup(q.Stop)

	root := t.TempDir()
	f := &transcodeFixture{
		store:  store,
		queue:  q,
		output: filepath.Join(root, "output"),
		input:  filepath.Join(root, "temp"),
	}
	f.h = handlers.NewTranscodeHandler(q, store, f.output, f.input, quietLogger())
	f.h.SetHeartbeatInterval(20 * time.Millisecond)

	router, api := newTestRouter()
	f.h.Register(api)
	f.h.RegisterSSE(router)
	f.router = router
	return f
}

func (f *transcodeFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestTranscodeHandler_Submit(t *testing.T) {
	f := newTranscodeFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"movie-1","input_path":"upload.mkv","segment_seconds":4}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[handlers.TranscodeResponse](t, rec)
	assert.Equal(t, "movie-1", resp.MediaID)
	assert.Equal(t, string(models.TranscodeStatusQueued), resp.Status)
	assert.Equal(t, filepath.Join(f.input, "upload.mkv"), resp.InputPath)
	assert.Equal(t, filepath.Join(f.output, "movie-1"), resp.OutputDir)

	stored, err := f.store.Get(context.Background(), "movie-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stored.Invocation.SegmentSeconds)
	assert.Empty(t, stored.Invocation.Args)
}

func TestTranscodeHandler_SubmitKeepsAbsoluteInputAndOutput(t *testing.T) {
	f := newTranscodeFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"m","input_path":"/srv/in.mp4","output_dir":"/srv/out/m"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[handlers.TranscodeResponse](t, rec)
	assert.Equal(t, "/srv/in.mp4", resp.InputPath)
	assert.Equal(t, "/srv/out/m", resp.OutputDir)
}

func TestTranscodeHandler_SubmitRejectsOversizedInput(t *testing.T) {
	f := newTranscodeFixture(t)
	f.h.WithMaxInputSize(4)
	require.NoError(t, os.MkdirAll(f.input, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.input, "big.mkv"), []byte("too large"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.input, "ok.mkv"), []byte("tiny"), 0o644))

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"big","input_path":"big.mkv"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	_, err := f.store.Get(context.Background(), "big")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)

	rec = f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"ok","input_path":"ok.mkv"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// missing inputs are left for the worker to report
	rec = f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"gone","input_path":"gone.mkv"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTranscodeHandler_DuplicateSubmitReturnsExistingJob(t *testing.T) {
	f := newTranscodeFixture(t)

	var mu sync.Mutex
	var futures []*queue.Future
	f.h.OnSubmit(func(fut *queue.Future) {
		mu.Lock()
		futures = append(futures, fut)
		mu.Unlock()
	})

	first := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"dup","input_path":"a.mkv"}`)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"dup","input_path":"b.mkv"}`)
	require.Equal(t, http.StatusAccepted, second.Code)

	resp := decode[handlers.TranscodeResponse](t, second)
	assert.Equal(t, filepath.Join(f.input, "a.mkv"), resp.InputPath, "existing job is returned unchanged")
	assert.Equal(t, 1, f.queue.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, futures, 2)
	assert.Same(t, futures[0], futures[1])
}

func TestTranscodeHandler_SubmitValidation(t *testing.T) {
	f := newTranscodeFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing media id", `{"input_path":"a.mkv"}`},
		{"media id with slash", `{"media_id":"a/b","input_path":"a.mkv"}`},
		{"missing input", `{"media_id":"m1"}`},
		{"segment too long", `{"media_id":"m1","input_path":"a.mkv","segment_seconds":600}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/transcodes", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestTranscodeHandler_SubmitAfterStop(t *testing.T) {
	f := newTranscodeFixture(t)
	f.queue.Stop()

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"late","input_path":"a.mkv"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTranscodeHandler_GetAndList(t *testing.T) {
	f := newTranscodeFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/transcodes/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, id := range []string{"a", "b"} {
		rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"`+id+`","input_path":"in.mkv"}`)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	_, err := f.queue.Cancel(context.Background(), "b")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/transcodes/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decode[handlers.TranscodeResponse](t, rec).MediaID)

	rec = f.do(t, http.MethodGet, "/api/v1/transcodes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[handlers.ListTranscodesOutput](t, rec).Body
	require.Len(t, list.Transcodes, 2)
	assert.Equal(t, "a", list.Transcodes[0].MediaID)
	assert.Equal(t, map[string]int{"queued": 1, "cancelled": 1}, list.Counts)

	rec = f.do(t, http.MethodGet, "/api/v1/transcodes?status=cancelled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[handlers.ListTranscodesOutput](t, rec).Body
	require.Len(t, list.Transcodes, 1)
	assert.Equal(t, "b", list.Transcodes[0].MediaID)
}

func TestTranscodeHandler_Cancel(t *testing.T) {
	f := newTranscodeFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"c1","input_path":"in.mkv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/transcodes/c1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[handlers.CancelTranscodeOutput](t, rec).Body.Cancelled)

	snap, err := f.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, models.TranscodeStatusCancelled, snap.Status)

	rec = f.do(t, http.MethodPost, "/api/v1/transcodes/c1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[handlers.CancelTranscodeOutput](t, rec).Body.Cancelled)
}

func TestTranscodeHandler_Cleanup(t *testing.T) {
	f := newTranscodeFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"old","input_path":"in.mkv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := f.queue.Cancel(context.Background(), "old")
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/api/v1/transcodes/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[handlers.CleanupTranscodesOutput](t, rec).Body.Removed, "default horizon keeps recent jobs")

	time.Sleep(5 * time.Millisecond)
	rec = f.do(t, http.MethodPost, "/api/v1/transcodes/cleanup?older_than_hours=0", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[handlers.CleanupTranscodesOutput](t, rec).Body.Removed)

	_, err = f.store.Get(context.Background(), "old")
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
}

type sseEvent struct {
	name string
	data string
}

// readEvents parses server-sent events until the stream closes.
func readEvents(t *testing.T, body io.Reader, out chan<- sseEvent) {
	t.Helper()
	defer close(out)

	scanner := bufio.NewScanner(body)
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.name != "":
			out <- ev
			ev = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestTranscodeHandler_EventsStreamUntilTerminal(t *testing.T) {
	f := newTranscodeFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"live","input_path":"in.mkv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp, err := http.Get(srv.URL + "/api/v1/transcodes/live/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(t, resp.Body, events)

	first := nextEvent(t, events)
	assert.Equal(t, "progress", first.name)
	assert.Contains(t, first.data, `"status":"queued"`)

	_, err = f.store.Update(context.Background(), "live", func(j *models.TranscodeJob) error {
		return j.MarkProcessing(models.Now())
	})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), "live", func(j *models.TranscodeJob) error {
		return j.ApplyProgress(models.Progress{Percent: 42, CurrentStep: models.StepTranscoding})
	})
	require.NoError(t, err)
	_, err = f.store.Update(context.Background(), "live", func(j *models.TranscodeJob) error {
		return j.MarkCompleted(models.Now(), nil)
	})
	require.NoError(t, err)

	var seen []string
	for {
		ev := nextEvent(t, events)
		if ev.name == "done" {
			assert.JSONEq(t, `{"status":"completed"}`, ev.data)
			break
		}
		var snap handlers.TranscodeResponse
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		seen = append(seen, snap.Status)
	}
	assert.Equal(t, "completed", seen[len(seen)-1])

	_, open := <-events
	assert.False(t, open, "stream closes after the terminal snapshot")
}

func TestTranscodeHandler_EventsTerminalJobClosesImmediately(t *testing.T) {
	f := newTranscodeFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	rec := f.do(t, http.MethodPost, "/api/v1/transcodes", `{"media_id":"gone","input_path":"in.mkv"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	_, err := f.queue.Cancel(context.Background(), "gone")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/v1/transcodes/gone/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"cancelled"`)
	assert.Contains(t, string(body), "event: done")
}

func TestTranscodeHandler_EventsUnknownJob(t *testing.T) {
	f := newTranscodeFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/transcodes/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// mutedStore reads from a MemoryStore but delivers only the events a test
// sends, standing in for a subscriber that lagged or lost snapshots.
type mutedStore struct {
	*jobstore.MemoryStore
	events chan *models.TranscodeJob
}

func (s *mutedStore) Subscribe(context.Context) (<-chan *models.TranscodeJob, error) {
	return s.events, nil
}

func newMutedEventsServer(t *testing.T, heartbeat time.Duration) (*mutedStore, *httptest.Server) {
	t.Helper()
	store := &mutedStore{MemoryStore: jobstore.NewMemoryStore(), events: make(chan *models.TranscodeJob, 8)}
	q := queue.NewLocal(store, nil, time.Millisecond, quietLogger())
	t.Cleanup(q.Stop)

	h := handlers.NewTranscodeHandler(q, store, t.TempDir(), t.TempDir(), quietLogger())
	h.SetHeartbeatInterval(heartbeat)
	router, api := newTestRouter()
	h.Register(api)
	h.RegisterSSE(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, models.NewTranscodeJob("m", models.Invocation{InputPath: "/in.mkv", OutputDir: "/out"}, models.Now())))
	_, err := store.Update(ctx, "m", func(j *models.TranscodeJob) error { return j.MarkProcessing(models.Now()) })
	require.NoError(t, err)
	_, err = store.Update(ctx, "m", func(j *models.TranscodeJob) error {
		return j.ApplyProgress(models.Progress{Percent: 50})
	})
	require.NoError(t, err)
	return store, srv
}

// progressUntilDone returns the percent of every progress event before done.
func progressUntilDone(t *testing.T, events <-chan sseEvent) []int {
	t.Helper()
	var percents []int
	for {
		ev := nextEvent(t, events)
		if ev.name == "done" {
			return percents
		}
		var snap handlers.TranscodeResponse
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		percents = append(percents, snap.Progress.Percent)
	}
}

func TestTranscodeHandler_EventsSkipLowerPercent(t *testing.T) {
	store, srv := newMutedEventsServer(t, time.Hour)

	resp, err := http.Get(srv.URL + "/api/v1/transcodes/m/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := make(chan sseEvent, 16)
	go readEvents(t, resp.Body, events)

	current, err := store.Get(context.Background(), "m")
	require.NoError(t, err)
	at := func(percent int) *models.TranscodeJob {
		snap := current.Clone()
		snap.Progress.Percent = percent
		return snap
	}
	done := current.Clone()
	require.NoError(t, done.MarkCompleted(models.Now(), nil))

	// A snapshot buffered before the stream read the current one.
	store.events <- at(30)
	store.events <- at(60)
	store.events <- done

	assert.Equal(t, []int{50, 60, 100}, progressUntilDone(t, events))
}

func TestTranscodeHandler_EventsEndWhenTerminalEventIsLost(t *testing.T) {
	store, srv := newMutedEventsServer(t, 20*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/v1/transcodes/m/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := make(chan sseEvent, 16)
	go readEvents(t, resp.Body, events)

	first := nextEvent(t, events)
	require.Equal(t, "progress", first.name)

	// Written to the store but never delivered to the subscription.
	_, err = store.Update(context.Background(), "m", func(j *models.TranscodeJob) error {
		return j.MarkCompleted(models.Now(), nil)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{100}, progressUntilDone(t, events))
	_, open := <-events
	assert.False(t, open, "stream closes after the terminal snapshot")
}
