package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stolink/imageworker/internal/model"
)

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedJob(t *testing.T) {
	srv := newTestServer(t)
	job := model.Job{ID: "done1", Task: model.CreateTask{Message: "a red car"}}
	if _, err := srv.engine.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/done1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestStreamEventsReceivesStages(t *testing.T) {
	srv, env := newTestServerEnv(t)
	env.providers.gate = make(chan struct{})

	job := model.Job{ID: "live1", Task: model.CreateTask{Message: "a red car"}}
	runDone := make(chan error, 1)
	go func() {
		_, err := srv.engine.Run(context.Background(), job)
		runDone <- err
	}()

	// Wait until the run has reached the image stage.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := srv.store.GetJob(context.Background(), "live1")
		if err == nil && rec.Stage == model.StagePromptReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run did not reach prompt_ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/jobs/live1/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The handler subscribed before answering; let the run finish.
	close(env.providers.gate)

	scanner := bufio.NewScanner(resp.Body)
	var stages []model.Stage
	var sawDone bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: done" {
			sawDone = true
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || sawDone {
			continue
		}
		var ev model.StageEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("event data %q is not a stage event: %v", data, err)
		}
		stages = append(stages, ev.Stage)
	}

	// prompt_ready may still be in flight to the broker when the stream opens.
	if len(stages) > 0 && stages[0] == model.StagePromptReady {
		stages = stages[1:]
	}
	want := []model.Stage{model.StageImageReady, model.StageUploaded, model.StageCompleted}
	if len(stages) != len(want) {
		t.Fatalf("got stages %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i], want[i])
		}
	}
	if !sawDone {
		t.Error("stream ended without a done event")
	}
	if err := <-runDone; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestGetEventHistory(t *testing.T) {
	srv := newTestServer(t)
	job := model.Job{ID: "h1", CharacterID: "c1", Task: model.CreateTask{Message: "a red car"}}
	if _, err := srv.engine.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/h1/events/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body eventHistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []model.Stage{
		model.StageStarted, model.StagePromptReady, model.StageImageReady,
		model.StageUploaded, model.StageCompleted,
	}
	if body.JobID != "h1" {
		t.Errorf("job_id = %q, want h1", body.JobID)
	}
	if len(body.Events) != len(want) {
		t.Fatalf("got %d events, want %d", len(body.Events), len(want))
	}
	for i, ev := range body.Events {
		if ev.Stage != want[i] {
			t.Errorf("event[%d] stage = %q, want %q", i, ev.Stage, want[i])
		}
		if ev.Seq != i {
			t.Errorf("event[%d] seq = %d, want %d", i, ev.Seq, i)
		}
	}
}

func TestGetEventHistoryNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/events/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
