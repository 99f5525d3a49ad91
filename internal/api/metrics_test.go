package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsLabelRoutePatterns(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	jobs := httpRequestsTotal.WithLabelValues("GET", "/v1/jobs/{id}", "404")
	before := testutil.ToFloat64(jobs)

	for _, id := range []string{"a", "b", "c"} {
		resp, err := http.Get(ts.URL + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job %s: %v", id, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	if got := testutil.ToFloat64(jobs) - before; got != 3 {
		t.Errorf("requests for /v1/jobs/{id} = %v, want 3", got)
	}
	if httpRequestsTotal.DeleteLabelValues("GET", "/v1/jobs/a", "404") {
		t.Error("raw job path was used as a route label")
	}
}

func TestMetricsSkipEventStreamDuration(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/image/generate", `{"jobId":"j-streamed","characterId":"c1","message":"a red car"}`)
	resp.Body.Close()

	streams := httpRequestsTotal.WithLabelValues("GET", eventStreamRoute, "200")
	before := testutil.ToFloat64(streams)

	resp, err := http.Get(ts.URL + "/v1/jobs/j-streamed/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if got := testutil.ToFloat64(streams) - before; got != 1 {
		t.Errorf("event stream requests = %v, want 1", got)
	}
	if httpRequestDuration.DeleteLabelValues("GET", eventStreamRoute) {
		t.Error("event stream duration was observed")
	}
	if got := testutil.ToFloat64(eventStreamsActive); got != 0 {
		t.Errorf("active event streams = %v, want 0", got)
	}
}

func TestMetricsCountManualOutcomes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	completed := manualJobsTotal.WithLabelValues("create", manualCompleted)
	invalid := manualJobsTotal.WithLabelValues("create", manualInvalid)
	wantCompleted := testutil.ToFloat64(completed) + 1
	wantInvalid := testutil.ToFloat64(invalid) + 1

	resp := postJSON(t, ts.URL+"/api/image/generate", `{"jobId":"j-count","characterId":"c1","message":"a red car"}`)
	resp.Body.Close()
	resp = postJSON(t, ts.URL+"/api/image/generate", `{"jobId":"j-empty","characterId":"c1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	if got := testutil.ToFloat64(completed); got != wantCompleted {
		t.Errorf("completed = %v, want %v", got, wantCompleted)
	}
	if got := testutil.ToFloat64(invalid); got != wantInvalid {
		t.Errorf("invalid = %v, want %v", got, wantInvalid)
	}
}
