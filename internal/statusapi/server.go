// Package statusapi exposes a minimal chi-routed liveness and inspection
// surface over a job.Store: a health check and a read endpoint listing
// currently active jobs. It is not part of the scheduler core; it exists
// so cmd/scheduler has something an operator or load balancer can poll.
package statusapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/fhirsync/pkg/job"
)

// NewRouter builds the HTTP handler for the status surface.
func NewRouter(store job.Store, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "statusapi")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", handleHealth)
	r.Get("/jobs/active", handleActiveJobs(store))

	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request", "method", r.Method, "path", r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type activeJobView struct {
	ID                 string   `json:"id"`
	Status             string   `json:"status"`
	ResourceTypes      []string `json:"resource_types"`
	CompletedResources []string `json:"completed_resources"`
	FailedReason       string   `json:"failed_reason,omitempty"`
}

func handleActiveJobs(store job.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := store.GetActiveJobs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		views := make([]activeJobView, 0, len(jobs))
		for _, j := range jobs {
			var completed []string
			for rt, done := range j.CompletedResources {
				if done {
					completed = append(completed, rt)
				}
			}
			views = append(views, activeJobView{
				ID:                 j.ID,
				Status:             j.Status.String(),
				ResourceTypes:      j.ResourceTypes,
				CompletedResources: completed,
				FailedReason:       j.FailedReason,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}
