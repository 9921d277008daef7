package main

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
)

// Event types emitted over the SSE stream, one per pipeline transition.
// Stage boundaries are total: no stage2 event precedes stage1_all_complete
// and no stage3 event precedes stage2_all_complete. Within a stage, a single
// model's events keep their emission order; interleaving between models is
// first-arrived, first-emitted.
const (
	EventStage1Start         = "stage1_start"
	EventStage1ModelStart    = "stage1_model_start"
	EventStage1Token         = "stage1_token"
	EventStage1ModelComplete = "stage1_model_complete"
	EventStage1ModelError    = "stage1_model_error"
	EventStage1AllComplete   = "stage1_all_complete"

	EventStage2Start         = "stage2_start"
	EventStage2ModelStart    = "stage2_model_start"
	EventStage2Token         = "stage2_token"
	EventStage2ModelComplete = "stage2_model_complete"
	EventStage2ModelError    = "stage2_model_error"
	EventStage2AllComplete   = "stage2_all_complete"

	EventStage3Start    = "stage3_start"
	EventStage3Token    = "stage3_token"
	EventStage3Error    = "stage3_error"
	EventStage3Complete = "stage3_complete"

	EventTitleComplete = "title_complete"
	EventComplete      = "complete"
	EventError         = "error"
)

// Event is the externally observable unit of council progress
type Event struct {
	Type     string    `json:"type"`
	Model    string    `json:"model,omitempty"`
	Kind     ChunkKind `json:"kind,omitempty"`
	Text     string    `json:"text,omitempty"`
	Message  string    `json:"message,omitempty"`
	Data     any       `json:"data,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// EmitFunc receives pipeline events in order. The pipeline guarantees it is
// called from a single goroutine, so implementations need no locking.
type EmitFunc func(Event)

// writeSSEEvent writes a single Server-Sent Event and flushes it
func writeSSEEvent(c *gin.Context, event Event) {
	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal SSE event: %v", err)
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// writeSSEError writes an error event via SSE
func writeSSEError(c *gin.Context, message string) {
	writeSSEEvent(c, Event{Type: EventError, Message: message})
}

// forwardEvents drains a fan-in channel of per-model events to emit.
// Each model's goroutine is the only writer of its own events, so per-model
// order is preserved; cross-model interleaving is arrival order.
func forwardEvents(events <-chan Event, emit EmitFunc) {
	for event := range events {
		emit(event)
	}
}
