package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stolink/imageworker/internal/config"
	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/provider/stub"
	"github.com/stolink/imageworker/internal/queue"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.DBPath = ":memory:"
	cfg.Queue.Stream = "test.jobs"
	cfg.Queue.Group = "workers"
	cfg.Queue.Consumer = "w1"
	cfg.Queue.Block = 50 * time.Millisecond
	cfg.Queue.PingInterval = 50 * time.Millisecond
	cfg.Workflow.MaxInFlight = 2
	cfg.Workflow.ShutdownGrace = time.Second
	cfg.Workflow.BackoffInitial = time.Millisecond
	cfg.Callback.BackoffInitial = time.Millisecond
	return cfg
}

func TestAppProcessesQueuedJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	callbacks := make(chan model.CallbackPayload, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p model.CallbackPayload
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &p)
		callbacks <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer cb.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(), stub.New("https://cdn.test", 0).Engine(), rc, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	producer := queue.NewProducer(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test.jobs", 0)
	_, err = producer.Publish(ctx, model.Message{
		JobID:       "job-app-1",
		CharacterID: "char-1",
		Action:      model.ActionCreate,
		Message:     "a knight in silver armour",
		CallbackURL: cb.URL,
	})
	require.NoError(t, err)

	select {
	case p := <-callbacks:
		assert.Equal(t, "job-app-1", p.JobID)
		assert.Equal(t, model.StatusCompleted, p.Status)
		assert.NotEmpty(t, p.ImageURL)
	case <-time.After(5 * time.Second):
		t.Fatal("no callback received")
	}

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec.Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-app-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var job model.JobRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, model.StageCompleted, job.Stage)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppStopsWhileQueueDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(testConfig(), stub.New("https://cdn.test", 0).Engine(), rc, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	rec := httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.Server().Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "given", consumerName("given"))
	assert.NotEmpty(t, consumerName(""))
}
