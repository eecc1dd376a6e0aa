package api

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

const exportPageSize = 500

// ExportHandler streams stored exchanges as JSON Lines for dataset building.
// Only successful exchanges are exported; failed ones carry no usable
// assistant turn.
func ExportHandler(store record.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "exchange store is not configured")
			return
		}

		filter, err := parseExchangeFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = record.StatusOK

		query := r.URL.Query()
		format := strings.TrimSpace(query.Get("format"))
		if format == "" {
			format = "jsonl"
		}
		if format != "jsonl" && format != "jsonl.gz" {
			writeError(w, http.StatusBadRequest, "format must be jsonl or jsonl.gz")
			return
		}
		stripSystem := strings.EqualFold(strings.TrimSpace(query.Get("strip_system")), "true")

		var out io.Writer = w
		if format == "jsonl.gz" {
			w.Header().Set("Content-Type", "application/gzip")
			w.Header().Set("Content-Disposition", `attachment; filename="exchanges.jsonl.gz"`)
			gz := gzip.NewWriter(w)
			defer gz.Close()
			out = gz
		} else {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Content-Disposition", `attachment; filename="exchanges.jsonl"`)
		}
		w.WriteHeader(http.StatusOK)

		encoder := json.NewEncoder(out)
		filter.Limit = exportPageSize
		filter.Offset = 0
		for {
			result, err := store.QueryExchanges(r.Context(), filter)
			if err != nil {
				// Headers are already out; the best we can do is stop the
				// stream so the client sees a truncated body.
				return
			}
			for _, item := range result.Items {
				line := detailExchange(item)
				if stripSystem {
					line.Messages = withoutSystemMessages(line.Messages)
				}
				if err := encoder.Encode(line); err != nil {
					return
				}
			}
			if len(result.Items) < exportPageSize {
				return
			}
			filter.Offset += exportPageSize
		}
	})
}

// withoutSystemMessages filters system-role entries from a decoded message
// list, leaving anything with an unexpected shape untouched.
func withoutSystemMessages(messages any) any {
	list, ok := messages.([]any)
	if !ok {
		return messages
	}
	kept := make([]any, 0, len(list))
	for _, entry := range list {
		if message, ok := entry.(map[string]any); ok {
			if role, _ := message["role"].(string); role == "system" {
				continue
			}
		}
		kept = append(kept, entry)
	}
	return kept
}
