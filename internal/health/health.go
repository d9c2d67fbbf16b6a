// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/runnerforge/orchestrator/internal/buildinfo"
)

// Stats is the live fleet information the handler reports alongside
// build info.
type Stats struct {
	ActiveRunners int  `json:"active_runners"`
	Monitoring    bool `json:"monitoring"`
}

// StatsFunc supplies Stats at request time.
type StatsFunc func() Stats

// Response represents the health check response body.
type Response struct {
	Status        string    `json:"status"`
	ServiceName   string    `json:"service_name"`
	Version       string    `json:"version"`
	Commit        string    `json:"commit"`
	BuildTime     string    `json:"build_time"`
	GoVersion     string    `json:"go_version"`
	OS            string    `json:"os"`
	Architecture  string    `json:"architecture"`
	Runtime       string    `json:"runtime"`
	ActiveRunners int       `json:"active_runners"`
	Monitoring    bool      `json:"monitoring"`
	Timestamp     time.Time `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// selected compute backend and the current fleet stats. The status is
// always "healthy" (200 OK) since this is a liveness check with no
// external dependencies to verify.
func Handler(runtimeType string, stats StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "orchestrator",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Runtime:      runtimeType,
			Timestamp:    time.Now().UTC(),
		}
		if stats != nil {
			s := stats()
			response.ActiveRunners = s.ActiveRunners
			response.Monitoring = s.Monitoring
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
