package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// TestQueryModel tests the non-streaming gateway path
func TestQueryModel(t *testing.T) {
	messages := []OpenRouterMessage{
		{Role: "user", Content: "Test question"},
	}

	t.Run("successful query", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t, "Test response content"))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		response, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err != nil {
			t.Fatalf("QueryModel failed: %v", err)
		}
		if response == nil {
			t.Fatal("Response should not be nil")
		}
		if response.Content != "Test response content" {
			t.Errorf("Content = %q, want 'Test response content'", response.Content)
		}
	})

	t.Run("terminal HTTP error", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockOpenRouterErrorHandler(400, "Bad request"))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Error("Expected error for 400 response, got nil")
		}
	})

	t.Run("transient errors retried then success", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			CreateMockOpenRouterHandler(t, "Recovered")(w, r)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		response, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err != nil {
			t.Fatalf("QueryModel should recover after transient errors: %v", err)
		}
		if response.Content != "Recovered" {
			t.Errorf("Content = %q, want 'Recovered'", response.Content)
		}
		if got := attempts.Load(); got != 3 {
			t.Errorf("Expected 3 attempts, got %d", got)
		}
	})

	t.Run("transient errors exhausted", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Fatal("Expected error after exhausting retries")
		}
		if got := attempts.Load(); got != int32(ModelMaxRetries+1) {
			t.Errorf("Expected %d attempts, got %d", ModelMaxRetries+1, got)
		}
	})

	t.Run("terminal error not retried", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Fatal("Expected error for 401 response")
		}
		if got := attempts.Load(); got != 1 {
			t.Errorf("Expected exactly 1 attempt for terminal error, got %d", got)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		slowHandler := func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(2 * time.Second)
			w.WriteHeader(http.StatusOK)
		}
		mockServer := MockOpenRouterServer(t, slowHandler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 100*time.Millisecond)

		if err == nil {
			t.Error("Expected timeout error, got nil")
		}
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		invalidHandler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{ invalid json }"))
		}
		mockServer := MockOpenRouterServer(t, invalidHandler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Error("Expected error for invalid JSON, got nil")
		}
	})

	t.Run("empty choices in response", func(t *testing.T) {
		emptyHandler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(OpenRouterAPIResponse{Choices: []APIChoice{}})
		}
		mockServer := MockOpenRouterServer(t, emptyHandler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Error("Expected error for empty choices, got nil")
		}
	})

	t.Run("in-band error with 200 status", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(OpenRouterAPIResponse{
				Error: &APIError{Message: "invalid model", Code: float64(400)},
			})
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		_, err := client.QueryModel(context.Background(), "test/model", messages, 10*time.Second)

		if err == nil {
			t.Fatal("Expected error for in-band error object")
		}
		if got := attempts.Load(); got != 1 {
			t.Errorf("Non-retryable in-band error should not retry, got %d attempts", got)
		}
	})
}

// TestStreamModel tests the streaming gateway path
func TestStreamModel(t *testing.T) {
	messages := []OpenRouterMessage{
		{Role: "user", Content: "Test question"},
	}

	t.Run("content and reasoning chunks in order", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockStreamHandler(
			reasoningLine("thinking..."),
			contentLine("Hello"),
			contentLine(" world"),
			finishLine("stop"),
		))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, ModelMaxRetries))

		if len(chunks) != 3 {
			t.Fatalf("Expected 3 chunks, got %d: %+v", len(chunks), chunks)
		}
		if chunks[0].Kind != ChunkReasoning || chunks[0].Text != "thinking..." {
			t.Errorf("First chunk = %+v, want reasoning 'thinking...'", chunks[0])
		}
		if got := joinContent(chunks); got != "Hello world" {
			t.Errorf("Content = %q, want 'Hello world'", got)
		}
	})

	t.Run("transient failures before output are retried", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			CreateMockStreamHandler(contentLine("Recovered"))(w, r)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		start := time.Now()
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, 2))
		elapsed := time.Since(start)

		if got := attempts.Load(); got != 3 {
			t.Errorf("Expected 3 connection attempts, got %d", got)
		}
		if got := joinContent(chunks); got != "Recovered" {
			t.Errorf("Content = %q, want 'Recovered'", got)
		}
		for _, c := range chunks {
			if c.Kind == ChunkError {
				t.Errorf("Recovered stream should carry no error chunk, got %+v", c)
			}
		}
		// Waits are (1x, 2x) the base backoff
		if minWait := 3 * client.RetryBackoff; elapsed < minWait {
			t.Errorf("Elapsed %s, want at least %s of backoff", elapsed, minWait)
		}
	})

	t.Run("retries exhausted yields single error chunk", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, 2))

		if got := attempts.Load(); got != 3 {
			t.Errorf("Expected 3 attempts, got %d", got)
		}
		if len(chunks) != 1 || chunks[0].Kind != ChunkError {
			t.Fatalf("Expected exactly one error chunk, got %+v", chunks)
		}
	})

	t.Run("no retry after output has been yielded", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			CreateMockStreamHandlerNoSentinel(
				contentLine("partial "),
				errorLine("provider overloaded", nil),
			)(w, r)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, 2))

		// "overloaded" is transient, but output was already delivered
		if got := attempts.Load(); got != 1 {
			t.Errorf("Expected 1 attempt after yield, got %d", got)
		}
		if got := joinContent(chunks); got != "partial " {
			t.Errorf("Partial content = %q, want 'partial '", got)
		}
		last := chunks[len(chunks)-1]
		if last.Kind != ChunkError {
			t.Errorf("Last chunk = %+v, want error chunk", last)
		}
	})

	t.Run("non-retryable error yields error chunk immediately", func(t *testing.T) {
		var attempts atomic.Int32
		handler := func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}
		mockServer := MockOpenRouterServer(t, handler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, 2))

		if got := attempts.Load(); got != 1 {
			t.Errorf("Expected 1 attempt for terminal error, got %d", got)
		}
		if len(chunks) != 1 || chunks[0].Kind != ChunkError {
			t.Fatalf("Expected exactly one error chunk, got %+v", chunks)
		}
	})

	t.Run("truncation by max_tokens keeps partial content", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockStreamHandler(
			contentLine("cut off mid-"),
			finishLine("length"),
		))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, ModelMaxRetries))

		if got := joinContent(chunks); got != "cut off mid-" {
			t.Errorf("Partial content = %q, want 'cut off mid-'", got)
		}
		last := chunks[len(chunks)-1]
		if last.Kind != ChunkError {
			t.Fatalf("Expected trailing error chunk, got %+v", last)
		}
		if last.Text != "response truncated by max_tokens limit" {
			t.Errorf("Error text = %q", last.Text)
		}
	})

	t.Run("stream ending without sentinel is an error", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockStreamHandlerNoSentinel(
			contentLine("all the text"),
		))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, ModelMaxRetries))

		last := chunks[len(chunks)-1]
		if last.Kind != ChunkError {
			t.Fatalf("Expected trailing error chunk, got %+v", last)
		}
		if got := joinContent(chunks); got != "all the text" {
			t.Errorf("Partial content = %q, want 'all the text'", got)
		}
	})

	t.Run("malformed stream lines are tolerated", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockStreamHandler(
			"data: {not json}\n\n",
			": keep-alive comment\n\n",
			contentLine("still fine"),
		))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		chunks := collectChunks(client.StreamModel(context.Background(), "test/model", messages, 10*time.Second, ModelMaxRetries))

		if got := joinContent(chunks); got != "still fine" {
			t.Errorf("Content = %q, want 'still fine'", got)
		}
		for _, c := range chunks {
			if c.Kind == ChunkError {
				t.Errorf("Unexpected error chunk: %+v", c)
			}
		}
	})

	t.Run("cancellation stops the stream", func(t *testing.T) {
		slowHandler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			time.Sleep(2 * time.Second)
		}
		mockServer := MockOpenRouterServer(t, slowHandler)
		defer mockServer.Close()

		ctx, cancel := context.WithCancel(context.Background())
		client := newTestClient(mockServer.URL)
		ch := client.StreamModel(ctx, "test/model", messages, 10*time.Second, ModelMaxRetries)

		cancel()

		// Channel must close promptly rather than hanging on the slow server
		done := make(chan struct{})
		go func() {
			for range ch {
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatal("Stream channel did not close after cancellation")
		}
	})
}

// TestQueryModelsParallel tests parallel model querying
func TestQueryModelsParallel(t *testing.T) {
	messages := []OpenRouterMessage{
		{Role: "user", Content: "Test"},
	}

	t.Run("all models succeed", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t, "Success response"))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		results := client.QueryModelsParallel(context.Background(), []string{"model/a", "model/b", "model/c"}, messages)

		if len(results) != 3 {
			t.Errorf("Expected 3 results, got %d", len(results))
		}
		for model, response := range results {
			if response == nil {
				t.Errorf("Model %s returned nil", model)
			} else if response.Content != "Success response" {
				t.Errorf("Model %s: content = %q, want 'Success response'", model, response.Content)
			}
		}
	})

	t.Run("graceful degradation - some models fail", func(t *testing.T) {
		failingHandler := func(w http.ResponseWriter, r *http.Request) {
			var req OpenRouterRequest
			json.NewDecoder(r.Body).Decode(&req)

			if req.Model == "model/fail" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(OpenRouterAPIResponse{
				Choices: []APIChoice{{Message: APIChoiceMessage{Content: "Success"}}},
			})
		}
		mockServer := MockOpenRouterServer(t, failingHandler)
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		results := client.QueryModelsParallel(context.Background(), []string{"model/success", "model/fail"}, messages)

		if results["model/success"] == nil {
			t.Error("Successful model should have response")
		}
		if results["model/fail"] != nil {
			t.Error("Failed model should have nil response")
		}
	})

	t.Run("empty model list", func(t *testing.T) {
		mockServer := MockOpenRouterServer(t, CreateMockOpenRouterHandler(t, "Test"))
		defer mockServer.Close()

		client := newTestClient(mockServer.URL)
		results := client.QueryModelsParallel(context.Background(), []string{}, messages)

		if len(results) != 0 {
			t.Errorf("Expected 0 results for empty model list, got %d", len(results))
		}
	})
}
