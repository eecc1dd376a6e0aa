package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// ChunkSource is a single-pass sequence of raw stream bytes. Next returns
// io.EOF at natural end and any other error on mid-stream failure.
type ChunkSource interface {
	Next() ([]byte, error)
}

// Chunk is one unit fanned out by the tee. Err is set only on the synthetic
// terminal chunk produced for a mid-stream failure; its Data carries the SSE
// error event so both sinks observe the same bytes at the same point.
type Chunk struct {
	Data []byte
	Err  error
}

// Tee reads the source once and fans every chunk out to two bounded channels
// in identical order: one for the client relay, one for record accumulation.
// Both channels close together when the source ends. Each consumer MUST drain
// its channel to completion or the producer blocks.
func Tee(source ChunkSource, capacity int) (relay, accumulate <-chan Chunk) {
	if capacity <= 0 {
		capacity = 16
	}
	relayCh := make(chan Chunk, capacity)
	accumulateCh := make(chan Chunk, capacity)

	go func() {
		defer close(relayCh)
		defer close(accumulateCh)
		for {
			data, err := source.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					terminal := Chunk{Data: errorEvent(err), Err: err}
					relayCh <- terminal
					accumulateCh <- terminal
				}
				return
			}
			// Sources may reuse their read buffer between calls.
			copied := make([]byte, len(data))
			copy(copied, data)
			relayCh <- Chunk{Data: copied}
			accumulateCh <- Chunk{Data: copied}
		}
	}()

	return relayCh, accumulateCh
}

// errorEvent renders a mid-stream failure as one SSE event so the client sees
// an explicit marker instead of a silent truncation.
func errorEvent(err error) []byte {
	payload, marshalErr := json.Marshal(map[string]any{
		"error": map[string]string{
			"message": err.Error(),
			"type":    "upstream_error",
		},
	})
	if marshalErr != nil {
		payload = []byte(`{"error": {"message": "upstream stream failed", "type": "upstream_error"}}`)
	}
	return append(append([]byte("data: "), payload...), '\n', '\n')
}

// accumulator collects the record-side copy of a stream up to a byte limit.
type accumulator struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
	streamErr error
}

func newAccumulator(limit int) *accumulator {
	if limit <= 0 {
		limit = 4 << 20
	}
	return &accumulator{limit: limit}
}

// consume drains the channel to completion even after the limit is reached,
// so the tee producer never blocks on a full accumulator.
func (a *accumulator) consume(chunks <-chan Chunk) {
	for chunk := range chunks {
		if chunk.Err != nil {
			a.streamErr = chunk.Err
		}
		if a.truncated {
			continue
		}
		remaining := a.limit - a.buf.Len()
		if len(chunk.Data) > remaining {
			a.buf.Write(chunk.Data[:remaining])
			a.truncated = true
			continue
		}
		a.buf.Write(chunk.Data)
	}
}

func (a *accumulator) Bytes() []byte    { return a.buf.Bytes() }
func (a *accumulator) Truncated() bool  { return a.truncated }
func (a *accumulator) StreamErr() error { return a.streamErr }
