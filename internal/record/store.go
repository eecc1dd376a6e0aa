package record

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("exchange not found")

// Store is the persistence collaborator. Implementations must tolerate
// concurrent appends; the proxy never coordinates writers.
type Store interface {
	WriteExchange(ctx context.Context, exchange *Exchange) error
	WriteBatch(ctx context.Context, exchanges []*Exchange) error
	GetExchange(ctx context.Context, id string) (*Exchange, error)
	QueryExchanges(ctx context.Context, filter Filter) (*Result, error)
	Stats(ctx context.Context, filter Filter) (*Stats, error)
	Close() error
}

// Filter narrows queries over stored exchanges. Zero values mean "no
// constraint". Search matches a substring of the stored conversation.
type Filter struct {
	Model      string
	Status     string
	APIKeyHash string
	Search     string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

type Result struct {
	Items []*Exchange
	Total int64
}

type Stats struct {
	TotalExchanges int64         `json:"total_exchanges"`
	StreamingCount int64         `json:"streaming_count"`
	AvgElapsedMS   float64       `json:"avg_elapsed_ms"`
	ByModel        []ModelCount  `json:"by_model"`
	ByStatus       []StatusCount `json:"by_status"`
}

type ModelCount struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}
