package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient creates a gateway pointed at a mock server, with a
// millisecond backoff so retry tests run fast
func newTestClient(serverURL string) *OpenRouterClient {
	return &OpenRouterClient{
		APIURL:       serverURL,
		APIKey:       "test-key",
		RetryBackoff: 5 * time.Millisecond,
	}
}

// newTestCouncil creates a council over a mock server with a custom roster
func newTestCouncil(serverURL string, models []string, chairmen []string) *Council {
	return &Council{
		Client:          newTestClient(serverURL),
		Models:          models,
		ChairmanChain:   chairmen,
		RankOwnResponse: true,
	}
}

// MockOpenRouterServer creates a mock HTTP server for the OpenRouter API
func MockOpenRouterServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

// CreateMockOpenRouterHandler creates a handler that returns successful
// non-streaming responses
func CreateMockOpenRouterHandler(t *testing.T, response string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Verify headers
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Authorization") == "" {
			t.Errorf("Missing Authorization header")
		}

		apiResponse := OpenRouterAPIResponse{
			Choices: []APIChoice{
				{Message: APIChoiceMessage{Content: response}},
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(apiResponse)
	}
}

// CreateMockOpenRouterErrorHandler creates a handler that returns errors
func CreateMockOpenRouterErrorHandler(statusCode int, errorMsg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		w.Write([]byte(errorMsg))
	}
}

// sseLine formats one streaming payload as an SSE data line
func sseLine(payload StreamPayload) string {
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("data: %s\n\n", data)
}

// contentLine is an SSE line carrying a content token
func contentLine(text string) string {
	return sseLine(StreamPayload{Choices: []StreamChoice{{Delta: StreamDelta{Content: text}}}})
}

// reasoningLine is an SSE line carrying a reasoning token
func reasoningLine(text string) string {
	return sseLine(StreamPayload{Choices: []StreamChoice{{Delta: StreamDelta{Reasoning: text}}}})
}

// errorLine is an SSE line carrying an in-band error object
func errorLine(message string, code any) string {
	return sseLine(StreamPayload{Error: &APIError{Message: message, Code: code}})
}

// finishLine is an SSE line carrying a finish_reason
func finishLine(reason string) string {
	return sseLine(StreamPayload{Choices: []StreamChoice{{FinishReason: reason}}})
}

// CreateMockStreamHandler creates a handler that replies to every request
// with the given SSE lines followed by the completion sentinel
func CreateMockStreamHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			fmt.Fprint(w, line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// CreateMockStreamHandlerNoSentinel is like CreateMockStreamHandler but
// ends the stream without [DONE]
func CreateMockStreamHandlerNoSentinel(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, line := range lines {
			fmt.Fprint(w, line)
		}
	}
}

// CreateMockPerModelStreamHandler routes each streaming request to the
// response registered for its model, so one server can play an entire
// council roster. Unregistered models answer with a single content token.
func CreateMockPerModelStreamHandler(t *testing.T, perModel map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OpenRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode mock request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if handler, ok := perModel[req.Model]; ok {
			handler(w, r)
			return
		}
		CreateMockStreamHandler(contentLine("default response from " + req.Model))(w, r)
	}
}

// collectChunks drains a stream channel into a slice
func collectChunks(ch <-chan StreamChunk) []StreamChunk {
	var chunks []StreamChunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// joinContent concatenates the content-kind chunk text
func joinContent(chunks []StreamChunk) string {
	var s string
	for _, c := range chunks {
		if c.Kind == ChunkContent {
			s += c.Text
		}
	}
	return s
}

// collectEvents returns an EmitFunc that appends to the returned slice.
// The pipeline emits from a single goroutine, so no locking is needed.
func collectEvents() (*[]Event, EmitFunc) {
	events := &[]Event{}
	return events, func(e Event) {
		*events = append(*events, e)
	}
}

// eventsOfType filters collected events by type
func eventsOfType(events []Event, eventType string) []Event {
	var filtered []Event
	for _, e := range events {
		if e.Type == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// useTempDataDirs points all on-disk storage at per-test temp directories
func useTempDataDirs(t *testing.T) {
	t.Helper()

	oldDataDir := DataDir
	oldBusinessesDir := BusinessesDir
	oldLeaderboardFile := LeaderboardFile

	base := t.TempDir()
	DataDir = base + "/conversations"
	BusinessesDir = base + "/businesses"
	LeaderboardFile = base + "/leaderboard.json"
	businessCache.Clear()

	t.Cleanup(func() {
		DataDir = oldDataDir
		BusinessesDir = oldBusinessesDir
		LeaderboardFile = oldLeaderboardFile
		businessCache.Clear()
	})
}

// SampleConversation creates a sample conversation for testing
func SampleConversation(id string) *Conversation {
	return &Conversation{
		ID:        id,
		CreatedAt: testTime(),
		Title:     "Test Conversation",
		Messages: []Message{
			{
				Role:    "user",
				Content: "What is Go?",
			},
			{
				Role: "assistant",
				Stage1: []ModelResponse{
					{Model: "test/model1", Response: "Go is a programming language.", Status: StatusOK},
					{Model: "test/model2", Response: "Go is developed by Google.", Status: StatusOK},
				},
				Stage2: []RankingSubmission{
					{
						Model:         "test/model1",
						Ranking:       "FINAL RANKING:\n1. Response B\n2. Response A",
						ParsedRanking: []string{"Response B", "Response A"},
					},
				},
				Stage3: &Stage3Response{
					Model:    "test/chairman",
					Response: "Go is a programming language developed by Google.",
				},
				Metadata: &Metadata{
					LabelToModel: map[string]string{
						"Response A": "test/model1",
						"Response B": "test/model2",
					},
					AggregateRankings: []AggregateRanking{
						{Model: "test/model2", AverageRank: 1.0, RankingsCount: 1},
						{Model: "test/model1", AverageRank: 2.0, RankingsCount: 1},
					},
				},
			},
		},
	}
}

// testTime returns a fixed time for testing
func testTime() time.Time {
	return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
}
