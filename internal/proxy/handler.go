// Package proxy is the intercept path: it forwards chat-completion requests
// upstream, relays the answer to the client, and hands a full copy of every
// exchange to the record writer. Recording never changes the client-visible
// outcome of a call.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vachhanidhyey/llm-intercept/internal/auth"
	"github.com/vachhanidhyey/llm-intercept/internal/correlation"
	"github.com/vachhanidhyey/llm-intercept/internal/reconstruct"
	"github.com/vachhanidhyey/llm-intercept/internal/record"
	"github.com/vachhanidhyey/llm-intercept/internal/upstream"
)

// Stream mirrors the upstream stream surface so tests can substitute one.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Forwarder issues outbound calls to the configured upstream.
type Forwarder interface {
	SendUnary(ctx context.Context, body []byte, credential auth.Credential) (payload []byte, statusCode int, elapsed time.Duration, err error)
	OpenStream(ctx context.Context, body []byte, credential auth.Credential) (Stream, time.Duration, error)
}

// Recorder accepts finished exchanges without blocking the request path.
type Recorder interface {
	Enqueue(exchange *record.Exchange) bool
}

type HandlerOptions struct {
	Forwarder Forwarder
	Recorder  Recorder
	Logger    *slog.Logger

	// StreamBufferMaxBytes bounds the record-side copy of a stream.
	StreamBufferMaxBytes int
	// StreamChannelCapacity bounds the tee fan-out channels.
	StreamChannelCapacity int
	// MaxBodyBytes bounds the inbound request body.
	MaxBodyBytes int64
	// RelayWriteTimeout bounds each write of a stream chunk to the client.
	// A client that stops reading turns into a write error instead of
	// blocking the tee, so accumulation runs to the natural stream end.
	RelayWriteTimeout time.Duration
}

// Handler serves POST /v1/chat/completions. Exchanges are independent: it
// holds no cross-request state beyond its collaborators.
type Handler struct {
	forwarder         Forwarder
	recorder          Recorder
	logger            *slog.Logger
	bufferMaxBytes    int
	channelCapacity   int
	maxBodyBytes      int64
	relayWriteTimeout time.Duration
}

func NewHandler(options HandlerOptions) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := options.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	relayTimeout := options.RelayWriteTimeout
	if relayTimeout <= 0 {
		relayTimeout = 30 * time.Second
	}
	return &Handler{
		forwarder:         options.Forwarder,
		recorder:          options.Recorder,
		logger:            logger.With("component", "proxy"),
		bufferMaxBytes:    options.StreamBufferMaxBytes,
		channelCapacity:   options.StreamChannelCapacity,
		maxBodyBytes:      maxBody,
		relayWriteTimeout: relayTimeout,
	}
}

// ForwarderFromClient adapts the concrete upstream client to the Forwarder
// interface.
func ForwarderFromClient(client *upstream.Client) Forwarder {
	return clientForwarder{client: client}
}

type clientForwarder struct {
	client *upstream.Client
}

func (f clientForwarder) SendUnary(ctx context.Context, body []byte, credential auth.Credential) ([]byte, int, time.Duration, error) {
	return f.client.SendUnary(ctx, body, credential)
}

func (f clientForwarder) OpenStream(ctx context.Context, body []byte, credential auth.Credential) (Stream, time.Duration, error) {
	stream, elapsed, err := f.client.OpenStream(ctx, body, credential)
	if err != nil {
		return nil, elapsed, err
	}
	return stream, elapsed, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	credential, err := auth.FromRequest(r)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingCredential):
			writeErrorResponse(w, http.StatusUnauthorized, "Missing API key")
		case errors.Is(err, auth.ErrMalformedCredential):
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid authorization header")
		default:
			writeErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
		}
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	var request ChatRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	forwardBody, err := json.Marshal(&request)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	if request.Stream {
		h.serveStreaming(w, r, &request, forwardBody, credential)
		return
	}
	h.serveUnary(w, r, &request, forwardBody, credential)
}

func (h *Handler) serveUnary(w http.ResponseWriter, r *http.Request, request *ChatRequest, forwardBody []byte, credential auth.Credential) {
	ctx := r.Context()
	payload, statusCode, elapsed, err := h.forwarder.SendUnary(ctx, forwardBody, credential)
	if err != nil {
		h.logger.Warn("upstream call failed",
			"model", request.Model,
			"status", statusCode,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		exchange := h.buildExchange(ctx, request, credential, elapsed)
		exchange.Status = record.StatusError
		exchange.StatusCode = statusCode
		exchange.ErrorDetail = err.Error()
		h.record(exchange)
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	turn := reconstruct.FromUnary(payload)
	if turn == nil {
		h.logger.Debug("no assistant turn in upstream payload", "model", request.Model)
	}

	exchange := h.buildExchange(ctx, request, credential, elapsed)
	exchange.StatusCode = statusCode
	exchange.MessagesJSON = finalMessagesJSON(request.Messages, turn)
	exchange.ResponseBody = string(payload)
	if turn != nil && len(turn.ToolCalls) > 0 {
		exchange.ToolCallsJSON = marshalToolCalls(turn.ToolCalls)
	}
	h.record(exchange)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("client went away before the unary response", "error", err)
	}
}

func (h *Handler) serveStreaming(w http.ResponseWriter, r *http.Request, request *ChatRequest, forwardBody []byte, credential auth.Credential) {
	// The upstream stream outlives the client connection: a client that
	// disconnects mid-stream must not truncate the stored record.
	ctx := context.WithoutCancel(r.Context())
	if id, ok := correlation.FromContext(r.Context()); ok {
		ctx = correlation.WithContext(ctx, id)
	}

	start := time.Now()
	stream, _, err := h.forwarder.OpenStream(ctx, forwardBody, credential)
	if err != nil {
		h.logger.Warn("upstream stream open failed", "model", request.Model, "error", err)
		exchange := h.buildExchange(ctx, request, credential, time.Since(start))
		exchange.Status = record.StatusError
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			exchange.StatusCode = statusErr.StatusCode
		}
		exchange.ErrorDetail = err.Error()
		h.record(exchange)
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	relayCh, accumulateCh := Tee(stream, h.channelCapacity)

	acc := newAccumulator(h.bufferMaxBytes)
	accDone := make(chan struct{})
	go func() {
		defer close(accDone)
		acc.consume(accumulateCh)
	}()

	flusher, _ := w.(http.Flusher)
	// Each relay write carries a deadline: a client that stays connected but
	// stops reading becomes a write error, the relay goes inert, and the tee
	// keeps draining so the record still reaches the natural stream end.
	controller := http.NewResponseController(w)
	deadlines := true
	relayDead := false
	for chunk := range relayCh {
		if relayDead {
			continue
		}
		if deadlines {
			if err := controller.SetWriteDeadline(time.Now().Add(h.relayWriteTimeout)); err != nil {
				deadlines = false
			}
		}
		if _, err := w.Write(chunk.Data); err != nil {
			h.logger.Debug("client stopped receiving mid-stream, continuing accumulation", "error", err)
			relayDead = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	<-accDone
	elapsed := time.Since(start)

	if acc.Truncated() {
		h.logger.Warn("stream record buffer truncated",
			"model", request.Model,
			"limit_bytes", h.bufferMaxBytes)
	}

	turn := reconstruct.FromStream(acc.Bytes())
	exchange := h.buildExchange(ctx, request, credential, elapsed)
	exchange.StatusCode = http.StatusOK
	exchange.MessagesJSON = finalMessagesJSON(request.Messages, turn)
	if turn != nil && len(turn.ToolCalls) > 0 {
		exchange.ToolCallsJSON = marshalToolCalls(turn.ToolCalls)
	}
	if streamErr := acc.StreamErr(); streamErr != nil {
		exchange.Status = record.StatusError
		exchange.ErrorDetail = streamErr.Error()
	}
	h.record(exchange)
}

// buildExchange captures the request-side fields shared by every outcome.
func (h *Handler) buildExchange(ctx context.Context, request *ChatRequest, credential auth.Credential, elapsed time.Duration) *record.Exchange {
	exchange := &record.Exchange{
		ID:               uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
		Model:            request.Model,
		MessagesJSON:     finalMessagesJSON(request.Messages, nil),
		Temperature:      request.Temperature,
		MaxTokens:        request.MaxTokens,
		TopP:             request.TopP,
		FrequencyPenalty: request.FrequencyPenalty,
		PresencePenalty:  request.PresencePenalty,
		Stream:           request.Stream,
		FunctionsJSON:    string(request.Functions),
		FunctionCallJSON: string(request.FunctionCall),
		ToolsJSON:        string(request.Tools),
		ToolChoiceJSON:   string(request.ToolChoice),
		ElapsedMS:        elapsed.Milliseconds(),
		Status:           record.StatusOK,
		APIKeyHash:       credential.Fingerprint,
	}
	if id, ok := correlation.FromContext(ctx); ok {
		exchange.CorrelationID = id
	}
	return exchange
}

func (h *Handler) record(exchange *record.Exchange) {
	if h.recorder == nil {
		return
	}
	if !h.recorder.Enqueue(exchange) {
		h.logger.Warn("exchange dropped, record queue full", "exchange_id", exchange.ID)
	}
}

func marshalToolCalls(calls []reconstruct.ToolCall) string {
	raw, err := json.Marshal(calls)
	if err != nil {
		return ""
	}
	return string(raw)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload, err := json.Marshal(map[string]any{
		"error": map[string]string{"message": message},
	})
	if err != nil {
		return
	}
	_, _ = w.Write(payload)
}
