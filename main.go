package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Global council instance
var council *Council

func main() {
	// Load configuration
	LoadConfig()

	council = NewCouncil(NewOpenRouterClient(OpenRouterAPIURL, OpenRouterAPIKey))

	router := setupRouter()

	// Start server
	log.Println("Starting AI Council backend on port 8001...")
	if err := router.Run(":8001"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRouter creates the Gin router with middleware and all routes
func setupRouter() *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", healthCheck)
	router.GET("/api/conversations", listConversationsHandler)
	router.POST("/api/conversations", createConversationHandler)
	router.GET("/api/conversations/:id", getConversationHandler)
	router.DELETE("/api/conversations/:id", deleteConversationHandler)
	router.POST("/api/conversations/:id/message", sendMessageHandler)
	router.POST("/api/conversations/:id/message/stream", sendMessageStreamHandler)
	router.GET("/api/conversations/:id/export", exportConversationHandler)
	router.POST("/api/chat/stream", chatStreamHandler)
	router.GET("/api/businesses", listBusinessesHandler)
	router.POST("/api/businesses/:id/import-url", importURLHandler)
	router.POST("/api/fetch-url", fetchURLHandler)
	router.POST("/api/triage/analyze", triageAnalyzeHandler)
	router.POST("/api/triage/continue", triageContinueHandler)
	router.GET("/api/leaderboard", leaderboardSummaryHandler)
	router.GET("/api/leaderboard/overall", overallLeaderboardHandler)
	router.GET("/api/leaderboard/department/:department", departmentLeaderboardHandler)

	return router
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "AI Council API",
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Generates a new UUID and creates an empty conversation.
func createConversationHandler(c *gin.Context) {
	conversationID := uuid.New().String()

	conversation, err := CreateConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all messages.
func getConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}

	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// deleteConversationHandler deletes a conversation.
// DELETE /api/conversations/:id
func deleteConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	if err := DeleteConversation(conversationID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Failed to delete conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": conversationID})
}

// generateTitleInBackground generates and saves a conversation title,
// reporting it on titleChan when successful
func generateTitleInBackground(conversationID string, content string) chan string {
	titleChan := make(chan string, 1)
	go func() {
		defer close(titleChan)
		// Detached from the request: a client disconnect should not
		// abandon the title write
		title, err := council.GenerateConversationTitle(context.Background(), content)
		if err != nil {
			log.Printf("Failed to generate title: %v", err)
			UpdateConversationTitle(conversationID, "New Conversation")
			return
		}
		UpdateConversationTitle(conversationID, title)
		titleChan <- title
	}()
	return titleChan
}

// sendMessageHandler sends a message and runs the 3-stage council process.
// POST /api/conversations/:id/message - Runs full council and returns all stages at once.
// Use sendMessageStreamHandler for the SSE streaming version.
func sendMessageHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	isFirstMessage := len(conversation.Messages) == 0
	history := ConversationHistory(conversation)

	if err := AddUserMessage(conversationID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	if isFirstMessage {
		generateTitleInBackground(conversationID, request.Content)
	}

	result, err := council.RunFullCouncil(c.Request.Context(), request.Content, request.BusinessID, history)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	if err := AddAssistantMessage(conversationID, result); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	recordLeaderboard(conversationID, request, result)

	c.JSON(http.StatusOK, result)
}

// sendMessageStreamHandler sends a message and streams the 3-stage council
// process via SSE, token by token.
// POST /api/conversations/:id/message/stream
func sendMessageStreamHandler(c *gin.Context) {
	conversationID := c.Param("id")

	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	isFirstMessage := len(conversation.Messages) == 0
	history := ConversationHistory(conversation)

	if err := AddUserMessage(conversationID, request.Content); err != nil {
		writeSSEError(c, fmt.Sprintf("Failed to add user message: %v", err))
		return
	}

	var titleChan chan string
	if isFirstMessage {
		titleChan = generateTitleInBackground(conversationID, request.Content)
	}

	// The request context cancels all in-flight model streams when the
	// client disconnects
	ctx := c.Request.Context()
	systemPrompt := SystemPromptWithContext(request.BusinessID)
	emit := func(event Event) {
		writeSSEEvent(c, event)
	}

	result, err := council.RunCouncilStream(ctx, request.Content, systemPrompt, history, emit)
	if err != nil {
		writeSSEError(c, fmt.Sprintf("Council process failed: %v", err))
		return
	}

	// Wait for title if it was being generated
	if titleChan != nil {
		if title := <-titleChan; title != "" {
			writeSSEEvent(c, Event{Type: EventTitleComplete, Data: gin.H{"title": title}})
		}
	}

	if err := AddAssistantMessage(conversationID, result); err != nil {
		writeSSEError(c, fmt.Sprintf("Failed to save message: %v", err))
		return
	}

	recordLeaderboard(conversationID, request, result)

	writeSSEEvent(c, Event{Type: EventComplete})
}

// recordLeaderboard records a session's aggregate rankings in the
// background; failures are logged, never surfaced to the client
func recordLeaderboard(conversationID string, request SendMessageRequest, result *TurnResult) {
	rankings := result.Metadata.AggregateRankings
	go func() {
		if err := RecordSessionRankings(conversationID, request.Department, request.BusinessID, rankings); err != nil {
			log.Printf("Failed to record leaderboard rankings: %v", err)
		}
	}()
}

// chatStreamHandler streams a plain chat completion through the chairman
// chain, without the full council deliberation.
// POST /api/chat/stream - Body: {"messages": [...], "business_id": "..."}
func chatStreamHandler(c *gin.Context) {
	var request ChatStreamRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	if len(request.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "messages must not be empty",
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	systemPrompt := SystemPromptWithContext(request.BusinessID)
	emit := func(event Event) {
		writeSSEEvent(c, event)
	}

	writeSSEEvent(c, Event{Type: EventStage3Start})
	result, err := council.ChatStream(c.Request.Context(), request.Messages, systemPrompt, emit)
	if err != nil {
		writeSSEError(c, fmt.Sprintf("Chat failed: %v", err))
		return
	}

	writeSSEEvent(c, Event{Type: EventStage3Complete, Data: result})
	writeSSEEvent(c, Event{Type: EventComplete})
}

// exportConversationHandler exports a conversation as Markdown.
// GET /api/conversations/:id/export - Returns a downloadable .md file.
func exportConversationHandler(c *gin.Context) {
	conversationID := c.Param("id")

	conversation, err := GetConversation(conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	markdown := RenderConversationMarkdown(conversation)
	filename := ExportFilename(conversation.Title)

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(markdown))
}

// listBusinessesHandler lists available business contexts.
// GET /api/businesses
func listBusinessesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, ListAvailableBusinesses())
}

// importURLHandler fetches a URL and appends its content to a business
// context.
// POST /api/businesses/:id/import-url - Body: {"url": "https://..."}
func importURLHandler(c *gin.Context) {
	businessID := c.Param("id")

	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	page, err := ImportURLIntoContext(c.Request.Context(), businessID, request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to import URL: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"imported": page.URL,
		"title":    page.Title,
		"chars":    len(page.Text),
	})
}

// fetchURLHandler fetches and extracts readable content from a URL.
// POST /api/fetch-url - Body: {"url": "https://..."}
func fetchURLHandler(c *gin.Context) {
	var request struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	content, err := FetchURLContent(c.Request.Context(), request.URL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to fetch URL content: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"content": content,
	})
}

// triageAnalyzeHandler checks a fresh question for the four constraints.
// POST /api/triage/analyze - Body: {"content": "...", "business_id": "..."}
func triageAnalyzeHandler(c *gin.Context) {
	var request struct {
		Content    string `json:"content" binding:"required"`
		BusinessID string `json:"business_id"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	businessContext := LoadBusinessContext(request.BusinessID)
	result := AnalyzeForTriage(c.Request.Context(), council.Client, request.Content, businessContext)
	c.JSON(http.StatusOK, result)
}

// triageContinueHandler re-analyzes after the user answers follow-ups.
// POST /api/triage/continue
func triageContinueHandler(c *gin.Context) {
	var request struct {
		OriginalQuery       string         `json:"original_query" binding:"required"`
		PreviousConstraints map[string]any `json:"previous_constraints"`
		Response            string         `json:"response" binding:"required"`
		BusinessID          string         `json:"business_id"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	businessContext := LoadBusinessContext(request.BusinessID)
	result := ContinueTriage(c.Request.Context(), council.Client, request.OriginalQuery, request.PreviousConstraints, request.Response, businessContext)
	c.JSON(http.StatusOK, result)
}

// leaderboardSummaryHandler returns overall and per-department boards.
// GET /api/leaderboard
func leaderboardSummaryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, GetLeaderboardSummary())
}

// overallLeaderboardHandler returns the all-time leaderboard.
// GET /api/leaderboard/overall
func overallLeaderboardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, GetOverallLeaderboard())
}

// departmentLeaderboardHandler returns one department's leaderboard.
// GET /api/leaderboard/department/:department
func departmentLeaderboardHandler(c *gin.Context) {
	c.JSON(http.StatusOK, GetDepartmentLeaderboard(c.Param("department")))
}
