package api

import (
	"net/http"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

const diagnosticsSchemaVersion = "record-pipeline-diagnostics.v1"

// DiagnosticsReader exposes the record writer's queue state.
type DiagnosticsReader interface {
	PipelineDiagnostics() record.PipelineDiagnostics
}

type diagnosticsResponse struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Diagnostics   record.PipelineDiagnostics `json:"diagnostics"`
}

func DiagnosticsHandler(reader DiagnosticsReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "record pipeline diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, diagnosticsResponse{
			SchemaVersion: diagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   reader.PipelineDiagnostics(),
		})
	})
}
