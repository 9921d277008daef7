package main

import (
	"context"
	"fmt"
	"log"
)

// Triage runs a fast, cheap model over an incoming question before the
// council is engaged, checking for the four constraints good advice needs:
// WHO executes, GOAL (survival vs exit value), BUDGET, and RISK tolerance.

const triagePrompt = `You are a triage assistant for an AI Council that advises a bootstrapped startup.

Your job is to check if the user's CURRENT QUESTION contains the 4 key constraints needed for good advice. If any are missing from THEIR QUESTION, you MUST ask for them.

THE 4 CONSTRAINTS (all 4 are required for each new question):

1. WHO (Executor): Who will physically execute the solution for THIS specific task?
   - Founder (manual, limited time)
   - Developer (technical, currently bottlenecked)
   - Operator (hired help, if available)

2. GOAL (Context): What's the objective for THIS specific initiative?
   - Survival: Need cash flow NOW to extend runway
   - Exit Value: Building IP/metrics for future exit

3. BUDGET: What can be spent on THIS specific thing?
   - $0: Must use existing tools/resources only
   - Investment: Willing to spend $X amount

4. RISK (Quality Trade-off): What's the quality constraint for THIS task?
   - Speed: Can sacrifice quality for velocity
   - Defensibility: Cannot compromise quality

CRITICAL RULES:
- ONLY extract constraints that are EXPLICITLY stated in the user's question
- Do NOT assume constraints from business context - that's background info only
- Each question needs its own specific constraints, even if you know the business defaults
- If the user asks "Do we need billboards?" without specifying WHO will handle it, BUDGET for it, etc., those are MISSING
- You must ask about missing constraints - don't fill them in from context

RESPONSE FORMAT (JSON):

{
  "ready": false,
  "constraints": {
    "who": "only if explicitly stated in question, otherwise null",
    "goal": "only if explicitly stated in question, otherwise null",
    "budget": "only if explicitly stated in question, otherwise null",
    "risk": "only if explicitly stated in question, otherwise null"
  },
  "missing": ["who", "goal", "budget", "risk"],
  "questions": "Friendly, conversational message asking for the missing information. Be specific to their topic.",
  "enhanced_query": "Only populate if ready=true. The question enhanced with extracted constraints."
}

FORMAT YOUR QUESTIONS AS A BULLETED LIST - this is critical for readability:

Example good response:
"Before the council weighs in on billboards, a few quick questions:

• **Who's handling this?** Are you doing this yourself, or hiring an agency?
• **Budget?** What can you spend on outdoor advertising?
• **Goal?** Is this for immediate brand awareness or long-term positioning?
• **Speed vs quality?** Do we need this fast, or does it need to be perfect?"

Keep each bullet SHORT and scannable. One question per bullet. Use **bold** for the key word.

USER INPUT TO ANALYZE:
`

const triageFollowupPrompt = `You are continuing a triage conversation. The user has provided additional information to clarify their question.

Previous context:
%s

User's new response:
%s

Re-analyze and update the constraints based on what the user has NOW explicitly told you.

Respond with JSON:

{
  "ready": true/false,
  "constraints": {
    "who": "value from user's responses, or null if still not specified",
    "goal": "value from user's responses, or null if still not specified",
    "budget": "value from user's responses, or null if still not specified",
    "risk": "value from user's responses, or null if still not specified"
  },
  "missing": ["list any constraints still not specified by the user"],
  "questions": "If not ready, use BULLET POINTS to ask for remaining info. Keep it short and scannable.",
  "enhanced_query": "If ready, combine the original question with all the constraint info into a clear query."
}

FORMAT: Use bullet points (•) with **bold** labels. One short question per bullet. Example:
"Thanks! Just need a couple more things:

• **Budget?** Roughly how much can you spend?
• **Timeline?** Do we need this fast or can we take our time?"
`

// TriageResult is the outcome of a triage pass. When Ready is false,
// Questions holds the follow-up message to show the user.
type TriageResult struct {
	Ready         bool           `json:"ready"`
	Constraints   map[string]any `json:"constraints"`
	Missing       []string       `json:"missing"`
	Questions     string         `json:"questions,omitempty"`
	EnhancedQuery string         `json:"enhanced_query,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func emptyConstraints() map[string]any {
	return map[string]any{"who": nil, "goal": nil, "budget": nil, "risk": nil}
}

// triageMessages wraps a triage prompt with the background-only business
// context framing. Context is background: the model must still ask the user
// for constraints rather than inferring them.
func triageMessages(prompt string, businessContext string, framing string) []OpenRouterMessage {
	var messages []OpenRouterMessage
	if businessContext != "" {
		messages = append(messages, OpenRouterMessage{
			Role:    "system",
			Content: fmt.Sprintf("BACKGROUND INFO ONLY (do NOT use this to fill in constraints - ask the user):\n%s\n\n%s", businessContext, framing),
		})
	}
	messages = append(messages, OpenRouterMessage{Role: "user", Content: prompt})
	return messages
}

// AnalyzeForTriage checks a fresh question for the four constraints.
// Triage never blocks the council: any failure degrades to ready=true with
// the original query passed through.
func AnalyzeForTriage(ctx context.Context, client *OpenRouterClient, userInput string, businessContext string) *TriageResult {
	messages := triageMessages(
		triagePrompt+userInput,
		businessContext,
		"This is just so you understand the business. You must still ask the user about WHO/GOAL/BUDGET/RISK for their specific question.",
	)

	response, err := client.QueryModel(ctx, TriageModel, messages, TriageTimeout)
	if err != nil {
		log.Printf("Triage analysis failed: %v", err)
		return &TriageResult{
			Ready:         true,
			Constraints:   emptyConstraints(),
			EnhancedQuery: userInput,
			Error:         "Triage analysis failed, proceeding with original query",
		}
	}

	var result TriageResult
	if err := DecodeModelJSON(response.Content, &result); err != nil {
		log.Printf("Triage returned unparsable JSON: %v", err)
		return &TriageResult{
			Ready:       false,
			Constraints: emptyConstraints(),
			Missing:     []string{"who", "goal", "budget", "risk"},
			Questions: "I'd like to understand your question better. Could you tell me:\n\n" +
				"1. **Who** will execute this? (You as founder, your developer, or someone else?)\n" +
				"2. **Goal**: Is this about immediate cash flow or building long-term value?\n" +
				"3. **Budget**: Do you have money to spend, or must this be $0?\n" +
				"4. **Risk**: Can we prioritize speed, or is quality non-negotiable?",
			EnhancedQuery: userInput,
		}
	}

	if result.Constraints == nil {
		result.Constraints = emptyConstraints()
	}
	if result.EnhancedQuery == "" {
		result.EnhancedQuery = userInput
	}
	return &result
}

// ContinueTriage re-analyzes after the user answers follow-up questions
func ContinueTriage(ctx context.Context, client *OpenRouterClient, originalQuery string, previousConstraints map[string]any, userResponse string, businessContext string) *TriageResult {
	if previousConstraints == nil {
		previousConstraints = emptyConstraints()
	}

	contextBlock := fmt.Sprintf(`Original question: %s

Previously extracted constraints:
- WHO: %v
- GOAL: %v
- BUDGET: %v
- RISK: %v
`, originalQuery,
		constraintOrDefault(previousConstraints, "who"),
		constraintOrDefault(previousConstraints, "goal"),
		constraintOrDefault(previousConstraints, "budget"),
		constraintOrDefault(previousConstraints, "risk"))

	prompt := fmt.Sprintf(triageFollowupPrompt, contextBlock, userResponse)
	messages := triageMessages(
		prompt,
		businessContext,
		"Only use constraints the user has explicitly stated in their responses.",
	)

	mergedQuery := fmt.Sprintf("%s\n\nAdditional context: %s", originalQuery, userResponse)

	response, err := client.QueryModel(ctx, TriageModel, messages, TriageTimeout)
	if err != nil {
		log.Printf("Triage follow-up failed: %v", err)
		return &TriageResult{
			Ready:         true,
			Constraints:   previousConstraints,
			EnhancedQuery: mergedQuery,
			Error:         "Follow-up analysis failed, proceeding with available information",
		}
	}

	var result TriageResult
	if err := DecodeModelJSON(response.Content, &result); err != nil {
		// Assume we have enough and proceed
		log.Printf("Triage follow-up returned unparsable JSON: %v", err)
		return &TriageResult{
			Ready:         true,
			Constraints:   previousConstraints,
			EnhancedQuery: mergedQuery,
		}
	}

	if result.Constraints == nil {
		result.Constraints = previousConstraints
	}
	if result.EnhancedQuery == "" {
		result.EnhancedQuery = originalQuery
	}
	return &result
}

func constraintOrDefault(constraints map[string]any, key string) any {
	if v, ok := constraints[key]; ok && v != nil {
		return v
	}
	return "Not specified"
}
