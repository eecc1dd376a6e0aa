package api

import (
	"net/http"

	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

func StatsHandler(store record.Store) http.Handler {
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

		stats, err := store.Stats(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to compute stats")
			return
		}

		writeJSON(w, http.StatusOK, stats)
	})
}
