package api

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         record.Store
}

type healthResponse struct {
	Status        string    `json:"status"`
	Time          time.Time `json:"time"`
	Version       string    `json:"version"`
	UptimeSec     int64     `json:"uptime_sec"`
	StorageDriver string    `json:"storage_driver"`
	ExchangeCount int64     `json:"exchange_count"`
	DBSizeBytes   int64     `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		uptime := time.Since(options.StartedAt)
		exchangeCount := int64(0)
		if options.Store != nil {
			if stats, err := options.Store.Stats(r.Context(), record.Filter{}); err == nil {
				exchangeCount = stats.TotalExchanges
			}
		}

		dbSizeBytes := int64(0)
		if strings.EqualFold(options.StorageDriver, "sqlite") && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				dbSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, healthResponse{
			Status:        "healthy",
			Time:          time.Now().UTC(),
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			ExchangeCount: exchangeCount,
			DBSizeBytes:   dbSizeBytes,
		})
	})
}
