package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/me/fhirsync/internal/jobstore"
	"github.com/me/fhirsync/pkg/job"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusAPI_Healthz(t *testing.T) {
	store := jobstore.NewMemoryStore("holder", time.Minute)
	srv := httptest.NewServer(NewRouter(store, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusAPI_ActiveJobs(t *testing.T) {
	store := jobstore.NewMemoryStore("holder", time.Minute)
	j := job.NewJob("job-1", "acme", []string{"Patient", "Encounter"}, job.DataPeriod{Start: time.Unix(0, 0), End: time.Unix(100, 0)}, time.Now())
	j.MarkResourceCompleted("Patient")
	if err := store.UpdateJob(context.Background(), j); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	srv := httptest.NewServer(NewRouter(store, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/active")
	if err != nil {
		t.Fatalf("GET /jobs/active: %v", err)
	}
	defer resp.Body.Close()

	var views []activeJobView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(views) != 1 || views[0].ID != "job-1" {
		t.Fatalf("unexpected views: %+v", views)
	}
	if len(views[0].CompletedResources) != 1 || views[0].CompletedResources[0] != "Patient" {
		t.Fatalf("expected Patient marked completed, got %+v", views[0].CompletedResources)
	}
}
