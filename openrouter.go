package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrStageExhausted is returned when every participant in a stage failed:
// no Stage-1 model produced an ok response, or no chairman candidate
// produced non-empty output.
var ErrStageExhausted = errors.New("all models failed")

// UpstreamError is a failure reported by or about the upstream API.
// Transient errors are eligible for retry; terminal ones are not.
type UpstreamError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream error: %s", e.Message)
}

// retryableStatus reports whether an HTTP status code warrants a retry
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// retryableInBand reports whether an in-band error object warrants a retry.
// Providers signal overload both through numeric codes and through free-text
// messages, so both are checked.
func retryableInBand(apiErr *APIError) bool {
	if apiErr == nil {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	if strings.Contains(msg, "overloaded") || strings.Contains(msg, "rate") {
		return true
	}
	return retryableStatus(errorCode(apiErr.Code))
}

// errorCode normalizes the error code field, which arrives as a JSON number
// or a numeric string depending on the provider
func errorCode(code any) int {
	switch v := code.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n := 0
		for _, r := range v {
			if r < '0' || r > '9' {
				return 0
			}
			n = n*10 + int(r-'0')
		}
		return n
	default:
		return 0
	}
}

// isTimeoutErr reports whether a transport error was a timeout
func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// OpenRouterClient is the gateway to the upstream chat-completion API.
// One instance is constructed in main and injected into everything that
// talks to models, so tests can point it at a mock server.
type OpenRouterClient struct {
	APIURL string
	APIKey string

	// RetryBackoff is the base retry wait; attempt n sleeps (n+1) * RetryBackoff
	RetryBackoff time.Duration
}

// NewOpenRouterClient creates a gateway with the default retry backoff
func NewOpenRouterClient(apiURL, apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		APIURL:       apiURL,
		APIKey:       apiKey,
		RetryBackoff: RetryBackoffBase,
	}
}

// QueryModel queries a single model without streaming.
// Transient failures are retried with the same classification and backoff
// as StreamModel; retries are invisible to the caller except as latency.
func (c *OpenRouterClient) QueryModel(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= ModelMaxRetries; attempt++ {
		response, err := c.queryOnce(ctx, model, messages, timeout)
		if err == nil {
			return response, nil
		}
		lastErr = err

		var ue *UpstreamError
		if !errors.As(err, &ue) || !ue.Transient || attempt == ModelMaxRetries {
			return nil, err
		}

		wait := time.Duration(attempt+1) * c.RetryBackoff
		log.Printf("Model %s: transient error (%v), retrying in %s", model, err, wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

// queryOnce performs a single non-streaming request attempt
func (c *OpenRouterClient) queryOnce(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration) (*OpenRouterResponse, error) {
	payload := OpenRouterRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: MaxResponseTokens,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.APIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, &UpstreamError{Message: fmt.Sprintf("request timed out after %s", timeout)}
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(bodyBytes)),
			Transient:  retryableStatus(resp.StatusCode),
		}
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeoutErr(err) {
			return nil, &UpstreamError{Message: fmt.Sprintf("request timed out after %s", timeout)}
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResponse OpenRouterAPIResponse
	if err := json.Unmarshal(bodyBytes, &apiResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// In-band error delivered with a 200 status
	if apiResponse.Error != nil {
		return nil, &UpstreamError{
			Message:   apiResponse.Error.Message,
			Transient: retryableInBand(apiResponse.Error),
		}
	}

	if len(apiResponse.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	message := apiResponse.Choices[0].Message
	return &OpenRouterResponse{
		Content:   message.Content,
		Reasoning: message.Reasoning,
	}, nil
}

// StreamModel queries a single model with streaming. Chunks arrive on the
// returned channel tagged as content, reasoning, or error; the channel is
// closed when the stream ends. An error chunk is always the last chunk.
//
// Retry runs entirely inside the producer: a transient failure before any
// chunk has been yielded reconnects after (attempt+1) * RetryBackoff, up to
// maxRetries times. Once output has been yielded the stream cannot be rolled
// back, so any later failure is reported as a trailing error chunk and the
// already-delivered chunks stand.
func (c *OpenRouterClient) StreamModel(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration, maxRetries int) <-chan StreamChunk {
	out := make(chan StreamChunk)

	go func() {
		defer close(out)

		yielded := false
		for attempt := 0; ; attempt++ {
			err := c.streamOnce(ctx, model, messages, timeout, out, &yielded)
			if err == nil {
				return
			}
			if ctx.Err() != nil {
				// Caller went away; nobody is reading
				return
			}

			var ue *UpstreamError
			transient := errors.As(err, &ue) && ue.Transient
			if transient && !yielded && attempt < maxRetries {
				wait := time.Duration(attempt+1) * c.RetryBackoff
				log.Printf("Model %s: transient stream error (%v), reconnecting in %s", model, err, wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}

			message := err.Error()
			if ue != nil {
				message = ue.Message
			}
			sendChunk(ctx, out, StreamChunk{Kind: ChunkError, Text: message})
			return
		}
	}()

	return out
}

// streamOnce performs a single streaming connection attempt, forwarding
// chunks to out and flipping yielded once anything has been delivered
func (c *OpenRouterClient) streamOnce(ctx context.Context, model string, messages []OpenRouterMessage, timeout time.Duration, out chan<- StreamChunk, yielded *bool) error {
	payload := OpenRouterRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: MaxResponseTokens,
		Stream:    true,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.APIURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return &UpstreamError{Message: fmt.Sprintf("stream timed out after %s", timeout)}
		}
		return fmt.Errorf("stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(bodyBytes)),
			Transient:  retryableStatus(resp.StatusCode),
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(line[len("data: "):])
		if data == "[DONE]" {
			return nil
		}

		var event StreamPayload
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Tolerate malformed keep-alive noise between payloads
			continue
		}

		if event.Error != nil {
			return &UpstreamError{
				Message:   event.Error.Message,
				Transient: retryableInBand(event.Error),
			}
		}

		if len(event.Choices) == 0 {
			continue
		}
		choice := event.Choices[0]

		if choice.Delta.Reasoning != "" {
			if !sendChunk(ctx, out, StreamChunk{Kind: ChunkReasoning, Text: choice.Delta.Reasoning}) {
				return ctx.Err()
			}
			*yielded = true
		}
		if choice.Delta.Content != "" {
			if !sendChunk(ctx, out, StreamChunk{Kind: ChunkContent, Text: choice.Delta.Content}) {
				return ctx.Err()
			}
			*yielded = true
		}

		// A token-cap stop is not a natural stop; report it distinctly
		if choice.FinishReason == "length" {
			return &UpstreamError{Message: "response truncated by max_tokens limit"}
		}
	}

	if err := scanner.Err(); err != nil {
		if isTimeoutErr(err) {
			return &UpstreamError{Message: fmt.Sprintf("stream timed out after %s", timeout)}
		}
		return fmt.Errorf("stream read failed: %w", err)
	}

	// Connection closed without the end-of-stream sentinel
	return &UpstreamError{Message: "stream ended without completion sentinel"}
}

// sendChunk delivers a chunk unless the consumer's context is gone.
// Returns false when the caller has disconnected, which aborts the stream
// instead of leaking the producer goroutine.
func sendChunk(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// QueryModelsParallel queries multiple models in parallel without streaming.
// Failed models map to nil; a single model's failure never fails the batch.
func (c *OpenRouterClient) QueryModelsParallel(ctx context.Context, models []string, messages []OpenRouterMessage) map[string]*OpenRouterResponse {
	g, ctx := errgroup.WithContext(ctx)

	results := make(map[string]*OpenRouterResponse)
	var mu sync.Mutex

	for _, model := range models {
		model := model
		g.Go(func() error {
			response, err := c.QueryModel(ctx, model, messages, ModelQueryTimeout)

			// Graceful degradation: log error but don't fail the batch
			if err != nil {
				log.Printf("Error querying model %s: %v", model, err)
				response = nil
			}

			mu.Lock()
			results[model] = response
			mu.Unlock()
			return nil
		})
	}

	// Workers never return errors; Wait is just the barrier
	g.Wait()

	return results
}
