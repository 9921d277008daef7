package main

import "time"

// ResponseStatus describes how a model's Stage-1 call ended
type ResponseStatus string

const (
	StatusOK      ResponseStatus = "ok"
	StatusError   ResponseStatus = "error"
	StatusTimeout ResponseStatus = "timeout"
)

// ModelResponse is a single model's answer from Stage 1.
// Immutable once its status is set; error responses keep whatever partial
// text had streamed before the failure.
type ModelResponse struct {
	Model        string         `json:"model"`
	Response     string         `json:"response"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Status       ResponseStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// RankingSubmission is one voter's Stage-2 evaluation of the anonymized set.
// ParsedRanking is empty when no valid label ordering could be recovered.
type RankingSubmission struct {
	Model         string   `json:"model"`
	Ranking       string   `json:"ranking"`
	ParsedRanking []string `json:"parsed_ranking"`
}

// Stage3Response is the chairman's final synthesis
type Stage3Response struct {
	Model    string `json:"model"`
	Response string `json:"response"`
}

// AggregateRanking is the mean peer-assigned rank for one model
type AggregateRanking struct {
	Model         string  `json:"model"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Metadata contains additional information about the council process
type Metadata struct {
	LabelToModel      map[string]string  `json:"label_to_model"`
	AggregateRankings []AggregateRanking `json:"aggregate_rankings"`
}

// TurnResult aggregates one query's processing across all three stages
type TurnResult struct {
	Stage1   []ModelResponse     `json:"stage1"`
	Stage2   []RankingSubmission `json:"stage2"`
	Stage3   Stage3Response      `json:"stage3"`
	Metadata Metadata            `json:"metadata"`
}

// Message represents a single message in a conversation
type Message struct {
	Role     string              `json:"role"`
	Content  string              `json:"content,omitempty"`
	Stage1   []ModelResponse     `json:"stage1,omitempty"`
	Stage2   []RankingSubmission `json:"stage2,omitempty"`
	Stage3   *Stage3Response     `json:"stage3,omitempty"`
	Metadata *Metadata           `json:"metadata,omitempty"`
}

// Conversation represents a full conversation with all messages
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
}

// ConversationMetadata represents conversation list metadata
type ConversationMetadata struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
}

// OpenRouterMessage represents a message for OpenRouter API
type OpenRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenRouterRequest represents a request to OpenRouter API
type OpenRouterRequest struct {
	Model     string              `json:"model"`
	Messages  []OpenRouterMessage `json:"messages"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
	Stream    bool                `json:"stream,omitempty"`
}

// OpenRouterResponse represents a non-streaming response from OpenRouter
type OpenRouterResponse struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// APIChoiceMessage is the message object inside a non-streaming choice
type APIChoiceMessage struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// APIChoice is a single choice in a non-streaming API response
type APIChoice struct {
	Message APIChoiceMessage `json:"message"`
}

// OpenRouterAPIResponse represents the full non-streaming API response
type OpenRouterAPIResponse struct {
	Choices []APIChoice `json:"choices"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError is an in-band error object delivered inside a nominally
// successful response or stream payload
type APIError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

// StreamDelta carries incremental output; some providers use a separate
// reasoning field for a visible chain-of-thought channel
type StreamDelta struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
}

// StreamChoice is a single choice in a streaming payload
type StreamChoice struct {
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// StreamPayload is one decoded "data: " line from a streaming response
type StreamPayload struct {
	Choices []StreamChoice `json:"choices"`
	Error   *APIError      `json:"error,omitempty"`
}

// ChunkKind tags a streamed chunk as answer text, reasoning, or an error
type ChunkKind string

const (
	ChunkContent   ChunkKind = "content"
	ChunkReasoning ChunkKind = "reasoning"
	ChunkError     ChunkKind = "error"
)

// StreamChunk is one unit of streamed model output. A chunk of kind
// ChunkError is always the last chunk on its stream.
type StreamChunk struct {
	Kind ChunkKind `json:"kind"`
	Text string    `json:"text"`
}

// BusinessInfo identifies an available business context
type BusinessInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateConversationRequest represents a request to create a new conversation
type CreateConversationRequest struct {
	// Empty for now
}

// SendMessageRequest represents a request to send a message
type SendMessageRequest struct {
	Content    string `json:"content"`
	BusinessID string `json:"business_id,omitempty"`
	Department string `json:"department,omitempty"`
}

// ChatStreamRequest is a chat-only request carrying explicit history;
// it bypasses Stage 1/2 and goes straight to the chairman chain
type ChatStreamRequest struct {
	Messages   []OpenRouterMessage `json:"messages"`
	BusinessID string              `json:"business_id,omitempty"`
}
