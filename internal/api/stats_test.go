package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stolink/imageworker/internal/model"
	"github.com/stolink/imageworker/internal/provider"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv, env := newTestServerEnv(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		job := model.Job{ID: id, Task: model.CreateTask{Message: "a red car"}}
		if _, err := srv.engine.Run(ctx, job); err != nil {
			t.Fatalf("Run %s: %v", id, err)
		}
	}

	env.providers.editErr = provider.NewPermanent(provider.CapabilityImageEdit, "edit", errors.New("rejected"))
	edit := model.Job{ID: "e1", Task: model.EditTask{ImageURL: "http://x/img.png", EditRequest: "make it blue"}}
	if _, err := srv.engine.Run(ctx, edit); err != nil {
		t.Fatalf("Run e1: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStage["completed"] != 3 {
		t.Errorf("by_stage[completed] = %d, want 3", stats.ByStage["completed"])
	}
	if stats.ByStage["failed"] != 1 {
		t.Errorf("by_stage[failed] = %d, want 1", stats.ByStage["failed"])
	}
	if stats.ByAction["create"] != 3 {
		t.Errorf("by_action[create] = %d, want 3", stats.ByAction["create"])
	}
	if stats.ByAction["edit"] != 1 {
		t.Errorf("by_action[edit] = %d, want 1", stats.ByAction["edit"])
	}
}
