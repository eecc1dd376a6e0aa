package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vachhanidhyey/llm-intercept/internal/record"
)

type requestsResponse struct {
	Items  []exchangeSummary `json:"items"`
	Total  int64             `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type exchangeSummary struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	Model         string    `json:"model"`
	Stream        bool      `json:"stream"`
	ElapsedMS     int64     `json:"elapsed_ms"`
	Status        string    `json:"status"`
	StatusCode    int       `json:"status_code,omitempty"`
	APIKeyHash    string    `json:"api_key_hash,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

type exchangeDetail struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"created_at"`
	Model            string    `json:"model"`
	Messages         any       `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stream           bool      `json:"stream"`
	Functions        any       `json:"functions,omitempty"`
	FunctionCall     any       `json:"function_call,omitempty"`
	Tools            any       `json:"tools,omitempty"`
	ToolChoice       any       `json:"tool_choice,omitempty"`
	ResponseBody     string    `json:"response_body,omitempty"`
	ToolCalls        any       `json:"tool_calls,omitempty"`
	ElapsedMS        int64     `json:"elapsed_ms"`
	Status           string    `json:"status"`
	StatusCode       int       `json:"status_code,omitempty"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
	APIKeyHash       string    `json:"api_key_hash,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
}

func RequestsHandler(store record.Store) http.Handler {
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

		result, err := store.QueryExchanges(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query exchanges")
			return
		}

		items := make([]exchangeSummary, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, summarizeExchange(item))
		}

		writeJSON(w, http.StatusOK, requestsResponse{
			Items:  items,
			Total:  result.Total,
			Limit:  filter.Limit,
			Offset: filter.Offset,
		})
	})
}

func RequestDetailHandler(store record.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "exchange store is not configured")
			return
		}

		id, ok := parseRequestID(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		item, err := store.GetExchange(r.Context(), id)
		if err != nil {
			if errors.Is(err, record.ErrNotFound) {
				writeError(w, http.StatusNotFound, "exchange not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to read exchange")
			return
		}

		writeJSON(w, http.StatusOK, detailExchange(item))
	})
}

func parseExchangeFilter(r *http.Request) (record.Filter, error) {
	query := r.URL.Query()

	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 500)
	if err != nil {
		return record.Filter{}, err
	}
	offset, err := parseIntQuery(query.Get("offset"), "offset", 0, 0)
	if err != nil {
		return record.Filter{}, err
	}

	status := strings.TrimSpace(query.Get("status"))
	if status != "" && status != record.StatusOK && status != record.StatusError {
		return record.Filter{}, fmt.Errorf("status must be %q or %q", record.StatusOK, record.StatusError)
	}

	from, err := parseTimeQuery(query.Get("start_time"), false)
	if err != nil {
		return record.Filter{}, fmt.Errorf("invalid start_time: %w", err)
	}
	to, err := parseTimeQuery(query.Get("end_time"), true)
	if err != nil {
		return record.Filter{}, fmt.Errorf("invalid end_time: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return record.Filter{}, fmt.Errorf("end_time must be greater than or equal to start_time")
	}

	return record.Filter{
		Model:      strings.TrimSpace(query.Get("model")),
		Status:     status,
		APIKeyHash: strings.TrimSpace(query.Get("api_key_hash")),
		Search:     strings.TrimSpace(query.Get("search")),
		From:       from,
		To:         to,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

func summarizeExchange(item *record.Exchange) exchangeSummary {
	return exchangeSummary{
		ID:            item.ID,
		CreatedAt:     item.CreatedAt,
		Model:         item.Model,
		Stream:        item.Stream,
		ElapsedMS:     item.ElapsedMS,
		Status:        item.Status,
		StatusCode:    item.StatusCode,
		APIKeyHash:    item.APIKeyHash,
		CorrelationID: item.CorrelationID,
	}
}

func detailExchange(item *record.Exchange) exchangeDetail {
	return exchangeDetail{
		ID:               item.ID,
		CreatedAt:        item.CreatedAt,
		Model:            item.Model,
		Messages:         decodeJSONField(item.MessagesJSON),
		Temperature:      item.Temperature,
		MaxTokens:        item.MaxTokens,
		TopP:             item.TopP,
		FrequencyPenalty: item.FrequencyPenalty,
		PresencePenalty:  item.PresencePenalty,
		Stream:           item.Stream,
		Functions:        decodeJSONField(item.FunctionsJSON),
		FunctionCall:     decodeJSONField(item.FunctionCallJSON),
		Tools:            decodeJSONField(item.ToolsJSON),
		ToolChoice:       decodeJSONField(item.ToolChoiceJSON),
		ResponseBody:     item.ResponseBody,
		ToolCalls:        decodeJSONField(item.ToolCallsJSON),
		ElapsedMS:        item.ElapsedMS,
		Status:           item.Status,
		StatusCode:       item.StatusCode,
		ErrorDetail:      item.ErrorDetail,
		APIKeyHash:       item.APIKeyHash,
		CorrelationID:    item.CorrelationID,
	}
}

func parseRequestID(path string) (string, bool) {
	const prefix = "/admin/requests/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func decodeJSONField(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}
