package callback_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stolink/imageworker/internal/callback"
	"github.com/stolink/imageworker/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() callback.Config {
	return callback.Config{
		MaxAttempts:    5,
		AttemptTimeout: time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

// recorder answers with the scripted status codes in order, then 200.
type recorder struct {
	mu       sync.Mutex
	statuses []int
	bodies   []string
	keys     []string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	r.mu.Lock()
	r.bodies = append(r.bodies, string(body))
	r.keys = append(r.keys, req.Header.Get("Idempotency-Key"))
	status := http.StatusOK
	if n := len(r.bodies); n <= len(r.statuses) {
		status = r.statuses[n-1]
	}
	r.mu.Unlock()

	w.WriteHeader(status)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func completedPayload() model.CallbackPayload {
	return model.CallbackPayload{
		JobID:       "j1",
		CharacterID: "c1",
		Status:      model.StatusCompleted,
		ImageURL:    "https://cdn.example.com/media/c1/j1.png",
	}
}

func TestDispatchRetriesUntilSuccess(t *testing.T) {
	rec := &recorder{statuses: []int{503, 503, 503}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := callback.NewDispatcher(srv.Client(), fastConfig(), testLogger())
	attempts, err := d.Dispatch(context.Background(), srv.URL, completedPayload())
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.LessOrEqual(t, attempts, fastConfig().MaxAttempts)
	require.Equal(t, 4, rec.calls())

	for i := 1; i < len(rec.bodies); i++ {
		assert.Equal(t, rec.bodies[0], rec.bodies[i], "attempt %d body differs", i+1)
	}
	for _, k := range rec.keys {
		assert.Equal(t, "j1", k)
	}

	var got model.CallbackPayload
	require.NoError(t, json.Unmarshal([]byte(rec.bodies[0]), &got))
	assert.Equal(t, completedPayload(), got)
}

func TestDispatchPermanentStatusNotRetried(t *testing.T) {
	rec := &recorder{statuses: []int{http.StatusBadRequest}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	d := callback.NewDispatcher(srv.Client(), fastConfig(), testLogger())
	attempts, err := d.Dispatch(context.Background(), srv.URL, completedPayload())
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, rec.calls())

	var derr *callback.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.True(t, derr.Permanent)
	assert.Equal(t, "j1", derr.JobID)
	assert.Equal(t, 1, derr.Attempts)
}

func TestDispatchTransientStatuses(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusBadGateway} {
		rec := &recorder{statuses: []int{status}}
		srv := httptest.NewServer(rec)

		d := callback.NewDispatcher(srv.Client(), fastConfig(), testLogger())
		attempts, err := d.Dispatch(context.Background(), srv.URL, completedPayload())
		srv.Close()

		require.NoError(t, err, "status %d", status)
		assert.Equal(t, 2, attempts, "status %d", status)
	}
}

func TestDispatchExhaustsAttempts(t *testing.T) {
	rec := &recorder{statuses: []int{500, 500, 500, 500, 500, 500}}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 3
	d := callback.NewDispatcher(srv.Client(), cfg, testLogger())
	attempts, err := d.Dispatch(context.Background(), srv.URL, completedPayload())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, rec.calls())

	var derr *callback.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.False(t, derr.Permanent)
	assert.Contains(t, derr.Error(), "500")
}

func TestDispatchSkipsEmptyURL(t *testing.T) {
	d := callback.NewDispatcher(nil, fastConfig(), testLogger())
	attempts, err := d.Dispatch(context.Background(), "", completedPayload())
	require.NoError(t, err)
	assert.Zero(t, attempts)
}

func TestDispatchConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := fastConfig()
	cfg.MaxAttempts = 2
	d := callback.NewDispatcher(nil, cfg, testLogger())
	attempts, err := d.Dispatch(context.Background(), url, completedPayload())
	require.Error(t, err)
	assert.Equal(t, 2, attempts)

	var derr *callback.DeliveryError
	require.True(t, errors.As(err, &derr))
	assert.False(t, derr.Permanent)
}

func TestDispatchAttemptTimeout(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.AttemptTimeout = 50 * time.Millisecond
	d := callback.NewDispatcher(srv.Client(), cfg, testLogger())
	attempts, err := d.Dispatch(context.Background(), srv.URL, completedPayload())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestURLForFallsBackToDefault(t *testing.T) {
	cfg := fastConfig()
	cfg.DefaultURL = "https://backend.example.com/callback"
	d := callback.NewDispatcher(nil, cfg, testLogger())

	assert.Equal(t, "https://own.example.com/cb", d.URLFor(model.Job{ID: "j1", CallbackURL: "https://own.example.com/cb"}))
	assert.Equal(t, cfg.DefaultURL, d.URLFor(model.Job{ID: "j1"}))

	none := callback.NewDispatcher(nil, fastConfig(), testLogger())
	assert.Empty(t, none.URLFor(model.Job{ID: "j1"}))
}
