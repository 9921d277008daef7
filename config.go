package main

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// CouncilModels is the roster of models queried in parallel at Stage 1.
	// Gemini placed first to avoid potential issues with concurrent streams.
	CouncilModels = []string{
		"google/gemini-3-pro-preview",
		"openai/gpt-5.1",
		"anthropic/claude-opus-4.5",
		"x-ai/grok-4",
		"deepseek/deepseek-chat-v3-0324",
	}

	// ChairmanModels is the ordered fallback chain for Stage 3 synthesis.
	// Each is tried in order until one produces non-empty output.
	ChairmanModels = []string{
		"anthropic/claude-opus-4.5",
		"google/gemini-3-pro-preview",
		"openai/gpt-5.1",
	}

	// TitleModel is a fast model used for conversation title generation
	TitleModel = "google/gemini-2.5-flash"

	// TriageModel is a fast, cheap model used for pre-council triage
	TriageModel = "google/gemini-2.0-flash-001"

	// OpenRouterAPIURL is the endpoint for OpenRouter API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// BusinessesDir is the directory holding per-business context files
	BusinessesDir = "data/businesses"

	// LeaderboardFile is the path to the leaderboard data file
	LeaderboardFile = "data/leaderboard.json"

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second
	TriageTimeout     = 30 * time.Second

	// ModelMaxRetries is how many times a transient upstream failure is retried
	ModelMaxRetries = 2

	// RetryBackoffBase is the base wait between retries; attempt n waits (n+1) * base
	RetryBackoffBase = 3 * time.Second

	// MaxResponseTokens caps upstream completions to prevent runaway output
	MaxResponseTokens = 4096

	// RankOwnResponse controls whether a model's own Stage-1 answer counts in
	// its Stage-2 submission. When false the voter's own label is dropped from
	// its parsed ranking before aggregation.
	RankOwnResponse = true

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// BusinessListTTL is the time-to-live for the cached business listing
	BusinessListTTL = 5 * time.Minute
)

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	// Try to find and load .env file
	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	// Load CORS origins from environment if provided
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range strings.Split(corsOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	// Self-ranking is on unless explicitly disabled
	if v := os.Getenv("COUNCIL_RANK_OWN_RESPONSE"); v != "" {
		RankOwnResponse = !strings.EqualFold(v, "false")
	}

	log.Println("Configuration loaded successfully")
}
