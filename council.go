package main

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Council runs the three-stage deliberation pipeline. The gateway is
// injected so tests can swap in a mock upstream.
type Council struct {
	Client          *OpenRouterClient
	Models          []string
	ChairmanChain   []string
	RankOwnResponse bool
}

// NewCouncil creates a council from the loaded configuration
func NewCouncil(client *OpenRouterClient) *Council {
	return &Council{
		Client:          client,
		Models:          CouncilModels,
		ChairmanChain:   ChairmanModels,
		RankOwnResponse: RankOwnResponse,
	}
}

// buildMessages assembles the message list sent upstream: optional system
// preamble, prior conversation turns, then the current user content
func buildMessages(systemPrompt string, history []OpenRouterMessage, userContent string) []OpenRouterMessage {
	var messages []OpenRouterMessage
	if systemPrompt != "" {
		messages = append(messages, OpenRouterMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, OpenRouterMessage{Role: "user", Content: userContent})
	return messages
}

// statusForError maps a stream error message to a response status
func statusForError(message string) ResponseStatus {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") {
		return StatusTimeout
	}
	return StatusError
}

// stageEventTypes names the per-model event types for a streaming stage.
// An empty complete type suppresses the completion event so the caller can
// emit its own with richer data.
type stageEventTypes struct {
	start    string
	token    string
	complete string
	errType  string
}

// streamModelToEvents runs one model's stream to completion, forwarding
// chunks as events and returning the finalized response. Called from one
// goroutine per model; events is the stage's shared fan-in channel.
func (co *Council) streamModelToEvents(ctx context.Context, model string, messages []OpenRouterMessage, events chan<- Event, types stageEventTypes) ModelResponse {
	events <- Event{Type: types.start, Model: model}

	var content, reasoning strings.Builder
	var errText string

	for chunk := range co.Client.StreamModel(ctx, model, messages, ModelQueryTimeout, ModelMaxRetries) {
		switch chunk.Kind {
		case ChunkError:
			errText = chunk.Text
			events <- Event{Type: types.errType, Model: model, Message: chunk.Text}
		case ChunkReasoning:
			reasoning.WriteString(chunk.Text)
			events <- Event{Type: types.token, Model: model, Kind: ChunkReasoning, Text: chunk.Text}
		default:
			content.WriteString(chunk.Text)
			events <- Event{Type: types.token, Model: model, Kind: ChunkContent, Text: chunk.Text}
		}
	}

	response := ModelResponse{
		Model:     model,
		Response:  content.String(),
		Reasoning: reasoning.String(),
	}

	switch {
	case errText != "":
		response.Status = statusForError(errText)
		response.ErrorMessage = errText
	case content.Len() == 0:
		response.Status = StatusError
		response.ErrorMessage = "model produced no output"
		events <- Event{Type: types.errType, Model: model, Message: response.ErrorMessage}
	default:
		response.Status = StatusOK
		if types.complete != "" {
			events <- Event{Type: types.complete, Model: model, Data: response}
		}
	}

	return response
}

// Stage1StreamResponses collects individual responses from all council
// models, streaming tokens as they arrive. One goroutine per roster model;
// each writes only its own slot, so the returned set is in roster order
// regardless of completion order. A single model's failure is isolated;
// the stage fails only when no model produced an ok response.
func (co *Council) Stage1StreamResponses(ctx context.Context, userQuery string, systemPrompt string, history []OpenRouterMessage, emit EmitFunc) ([]ModelResponse, error) {
	messages := buildMessages(systemPrompt, history, userQuery)

	events := make(chan Event, 64)
	results := make([]ModelResponse, len(co.Models))

	var wg sync.WaitGroup
	for i, model := range co.Models {
		wg.Add(1)
		go func(idx int, model string) {
			defer wg.Done()
			results[idx] = co.streamModelToEvents(ctx, model, messages, events, stageEventTypes{
				start:    EventStage1ModelStart,
				token:    EventStage1Token,
				complete: EventStage1ModelComplete,
				errType:  EventStage1ModelError,
			})
		}(i, model)
	}
	go func() {
		wg.Wait()
		close(events)
	}()

	forwardEvents(events, emit)

	okCount := 0
	for _, r := range results {
		if r.Status == StatusOK {
			okCount++
		}
	}

	emit(Event{Type: EventStage1AllComplete, Data: results})

	if okCount == 0 {
		return results, fmt.Errorf("stage 1: %w", ErrStageExhausted)
	}
	return results, nil
}

// AssignLabels maps anonymized labels to the ok subset of Stage-1 responses
// in roster order. The bijection lives only for the current turn.
func AssignLabels(stage1 []ModelResponse) (labelToModel map[string]string, labeled []ModelResponse) {
	labelToModel = make(map[string]string)
	for _, r := range stage1 {
		if r.Status != StatusOK {
			continue
		}
		label := fmt.Sprintf("Response %c", rune('A'+len(labeled)))
		labelToModel[label] = r.Model
		labeled = append(labeled, r)
	}
	return labelToModel, labeled
}

// buildRankingPrompt presents the labeled responses and asks for a strict
// FINAL RANKING section the parser can recover
func buildRankingPrompt(userQuery string, labeled []ModelResponse) string {
	var responsesText strings.Builder
	for i, r := range labeled {
		label := fmt.Sprintf("Response %c", rune('A'+i))
		responsesText.WriteString(fmt.Sprintf("%s:\n%s\n\n", label, r.Response))
	}

	return fmt.Sprintf(`You are evaluating different responses to the following question:

Question: %s

Here are the responses from different models (anonymized):

%s

Your task:
1. First, evaluate each response individually. For each response, explain what it does well and what it does poorly.
2. Then, at the very end of your response, provide a final ranking.

IMPORTANT: Your final ranking MUST be formatted EXACTLY as follows:
- Start with the line "FINAL RANKING:" (all caps, with colon)
- Then list the responses from best to worst as a numbered list
- Each line should be: number, period, space, then ONLY the response label (e.g., "1. Response A")
- Do not add any other text or explanations in the ranking section

Example of the correct format for your ENTIRE response:

Response A provides good detail on X but misses Y...
Response B is accurate but lacks depth on Z...
Response C offers the most comprehensive answer...

FINAL RANKING:
1. Response C
2. Response A
3. Response B

Now provide your evaluation and ranking:`, userQuery, responsesText.String())
}

// removeLabel drops one label from a parsed ranking, preserving order
func removeLabel(labels []string, drop string) []string {
	var result []string
	for _, l := range labels {
		if l != drop {
			result = append(result, l)
		}
	}
	return result
}

// Stage2StreamRankings collects peer rankings over the anonymized ok set.
// Labels are assigned in roster order (deterministic across identical
// turns). Only ok Stage-1 models vote; a voter that errors or returns
// unparsable output simply contributes no submission.
func (co *Council) Stage2StreamRankings(ctx context.Context, userQuery string, stage1 []ModelResponse, systemPrompt string, emit EmitFunc) ([]RankingSubmission, map[string]string, []AggregateRanking, error) {
	labelToModel, labeled := AssignLabels(stage1)

	// Each voter's own label, for optional self-vote exclusion
	ownLabel := make(map[string]string)
	for label, model := range labelToModel {
		ownLabel[model] = label
	}

	rankingPrompt := buildRankingPrompt(userQuery, labeled)
	messages := buildMessages(systemPrompt, nil, rankingPrompt)

	events := make(chan Event, 64)
	submissions := make([]*RankingSubmission, len(labeled))

	var wg sync.WaitGroup
	for i, voter := range labeled {
		wg.Add(1)
		go func(idx int, voter string) {
			defer wg.Done()
			result := co.streamModelToEvents(ctx, voter, messages, events, stageEventTypes{
				start:   EventStage2ModelStart,
				token:   EventStage2Token,
				errType: EventStage2ModelError,
			})
			if result.Status != StatusOK {
				return
			}

			parsed := ParseRankingFromText(result.Response)
			if !co.RankOwnResponse {
				parsed = removeLabel(parsed, ownLabel[voter])
			}
			submission := RankingSubmission{
				Model:         voter,
				Ranking:       result.Response,
				ParsedRanking: parsed,
			}
			submissions[idx] = &submission
			events <- Event{Type: EventStage2ModelComplete, Model: voter, Data: submission}
		}(i, voter.Model)
	}
	go func() {
		wg.Wait()
		close(events)
	}()

	forwardEvents(events, emit)

	var collected []RankingSubmission
	for _, s := range submissions {
		if s != nil {
			collected = append(collected, *s)
		}
	}

	aggregate := CalculateAggregateRankings(collected, labelToModel, co.Models)

	emit(Event{
		Type: EventStage2AllComplete,
		Data: collected,
		Metadata: &Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
		},
	})

	return collected, labelToModel, aggregate, nil
}

// buildChairmanPrompt gives the chairman the full Stage-1/Stage-2 picture
func buildChairmanPrompt(userQuery string, stage1 []ModelResponse, stage2 []RankingSubmission) string {
	var stage1Text strings.Builder
	for _, r := range stage1 {
		if r.Status != StatusOK {
			continue
		}
		stage1Text.WriteString(fmt.Sprintf("Model: %s\nResponse: %s\n\n", r.Model, r.Response))
	}

	var stage2Text strings.Builder
	for _, s := range stage2 {
		stage2Text.WriteString(fmt.Sprintf("Model: %s\nRanking: %s\n\n", s.Model, s.Ranking))
	}

	return fmt.Sprintf(`You are the Chairman of an LLM Council. Multiple AI models have provided responses to a user's question, and then ranked each other's responses.

Original Question: %s

STAGE 1 - Individual Responses:
%s

STAGE 2 - Peer Rankings:
%s

Your task as Chairman is to synthesize all of this information into a single, comprehensive, accurate answer to the user's original question. Consider:
- The individual responses and their insights
- The peer rankings and what they reveal about response quality
- Any patterns of agreement or disagreement

Provide a clear, well-reasoned final answer that represents the council's collective wisdom:`, userQuery, stage1Text.String(), stage2Text.String())
}

// streamChain walks the chairman chain sequentially, streaming from each
// candidate until one ends with non-empty content. Sequential order is the
// semantics: later candidates exist only as explicit, ordered degradation.
// Tokens already emitted by a candidate that later fails are not retracted.
func (co *Council) streamChain(ctx context.Context, messages []OpenRouterMessage, emit EmitFunc) (*Stage3Response, error) {
	for _, model := range co.ChairmanChain {
		var content strings.Builder
		failed := false

		for chunk := range co.Client.StreamModel(ctx, model, messages, ModelQueryTimeout, ModelMaxRetries) {
			switch chunk.Kind {
			case ChunkError:
				failed = true
				emit(Event{Type: EventStage3Error, Model: model, Message: chunk.Text})
			case ChunkReasoning:
				emit(Event{Type: EventStage3Token, Model: model, Kind: ChunkReasoning, Text: chunk.Text})
			default:
				content.WriteString(chunk.Text)
				emit(Event{Type: EventStage3Token, Model: model, Kind: ChunkContent, Text: chunk.Text})
			}
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if failed {
			log.Printf("Chairman candidate %s failed, trying next", model)
			continue
		}
		if content.Len() == 0 {
			emit(Event{Type: EventStage3Error, Model: model, Message: "chairman produced empty output"})
			log.Printf("Chairman candidate %s produced empty output, trying next", model)
			continue
		}

		return &Stage3Response{Model: model, Response: content.String()}, nil
	}

	return nil, fmt.Errorf("stage 3: %w", ErrStageExhausted)
}

// Stage3StreamSynthesis synthesizes the final answer via the chairman chain
func (co *Council) Stage3StreamSynthesis(ctx context.Context, userQuery string, stage1 []ModelResponse, stage2 []RankingSubmission, systemPrompt string, emit EmitFunc) (*Stage3Response, error) {
	prompt := buildChairmanPrompt(userQuery, stage1, stage2)
	messages := buildMessages(systemPrompt, nil, prompt)
	return co.streamChain(ctx, messages, emit)
}

// ChatStream answers a plain chat history through the chairman chain,
// skipping Stage 1/2 entirely. Same fallback walk, no peer context.
func (co *Council) ChatStream(ctx context.Context, messages []OpenRouterMessage, systemPrompt string, emit EmitFunc) (*Stage3Response, error) {
	if systemPrompt != "" {
		messages = append([]OpenRouterMessage{{Role: "system", Content: systemPrompt}}, messages...)
	}
	return co.streamChain(ctx, messages, emit)
}

// RunCouncilStream drives the full three-stage pipeline, emitting the event
// taxonomy in order. Stage boundaries are barriers: stage N+1 never starts
// before stage N's all-complete event has been emitted.
func (co *Council) RunCouncilStream(ctx context.Context, userQuery string, systemPrompt string, history []OpenRouterMessage, emit EmitFunc) (*TurnResult, error) {
	emit(Event{Type: EventStage1Start})
	stage1, err := co.Stage1StreamResponses(ctx, userQuery, systemPrompt, history, emit)
	if err != nil {
		return nil, err
	}

	emit(Event{Type: EventStage2Start})
	stage2, labelToModel, aggregate, err := co.Stage2StreamRankings(ctx, userQuery, stage1, systemPrompt, emit)
	if err != nil {
		return nil, err
	}

	emit(Event{Type: EventStage3Start})
	stage3, err := co.Stage3StreamSynthesis(ctx, userQuery, stage1, stage2, systemPrompt, emit)
	if err != nil {
		return nil, err
	}
	emit(Event{Type: EventStage3Complete, Data: stage3})

	return &TurnResult{
		Stage1: stage1,
		Stage2: stage2,
		Stage3: *stage3,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
		},
	}, nil
}

// ParseRankingFromText extracts the ranking from a model's response text.
// Looks for a "FINAL RANKING:" section and parses numbered responses
// (e.g., "1. Response A"), falling back to any "Response X" patterns found.
// Repeated labels keep their first position only.
func ParseRankingFromText(rankingText string) []string {
	responsePattern := regexp.MustCompile(`Response [A-Z]`)

	if strings.Contains(rankingText, "FINAL RANKING:") {
		parts := strings.SplitN(rankingText, "FINAL RANKING:", 2)
		rankingSection := parts[1]

		// Numbered list format (e.g., "1. Response A")
		numberedPattern := regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
		numberedMatches := numberedPattern.FindAllString(rankingSection, -1)
		if len(numberedMatches) > 0 {
			var results []string
			for _, match := range numberedMatches {
				if resp := responsePattern.FindString(match); resp != "" {
					results = append(results, resp)
				}
			}
			return dedupeLabels(results)
		}

		// Fallback: all "Response X" patterns in the ranking section
		if matches := responsePattern.FindAllString(rankingSection, -1); len(matches) > 0 {
			return dedupeLabels(matches)
		}
	}

	// Last resort: any "Response X" patterns in the whole text
	return dedupeLabels(responsePattern.FindAllString(rankingText, -1))
}

// dedupeLabels keeps the first occurrence of each label
func dedupeLabels(labels []string) []string {
	seen := make(map[string]bool)
	result := []string{}
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			result = append(result, l)
		}
	}
	return result
}

// CalculateAggregateRankings computes each model's mean 1-based position
// across all submissions that mention it. Sorted ascending by average rank;
// ties broken by more votes first, then roster order. Position 0 is the
// turn's winner.
func CalculateAggregateRankings(submissions []RankingSubmission, labelToModel map[string]string, roster []string) []AggregateRanking {
	rosterIndex := make(map[string]int)
	for i, m := range roster {
		rosterIndex[m] = i
	}

	modelPositions := make(map[string][]int)
	for _, submission := range submissions {
		for position, label := range submission.ParsedRanking {
			if model, ok := labelToModel[label]; ok {
				modelPositions[model] = append(modelPositions[model], position+1)
			}
		}
	}

	var aggregate []AggregateRanking
	for model, positions := range modelPositions {
		sum := 0
		for _, pos := range positions {
			sum += pos
		}
		aggregate = append(aggregate, AggregateRanking{
			Model:         model,
			AverageRank:   float64(sum) / float64(len(positions)),
			RankingsCount: len(positions),
		})
	}

	sort.SliceStable(aggregate, func(i, j int) bool {
		if aggregate[i].AverageRank != aggregate[j].AverageRank {
			return aggregate[i].AverageRank < aggregate[j].AverageRank
		}
		if aggregate[i].RankingsCount != aggregate[j].RankingsCount {
			return aggregate[i].RankingsCount > aggregate[j].RankingsCount
		}
		return rosterIndex[aggregate[i].Model] < rosterIndex[aggregate[j].Model]
	})

	return aggregate
}

// GenerateConversationTitle generates a short title for a conversation
// using a fast model. Returns the cleaned title or an error.
func (co *Council) GenerateConversationTitle(ctx context.Context, userQuery string) (string, error) {
	titlePrompt := fmt.Sprintf(`Generate a very short title (3-5 words maximum) that summarizes the following question.
The title should be concise and descriptive. Do not use quotes or punctuation in the title.

Question: %s

Title:`, userQuery)

	messages := []OpenRouterMessage{
		{Role: "user", Content: titlePrompt},
	}

	response, err := co.Client.QueryModel(ctx, TitleModel, messages, TitleGenTimeout)
	if err != nil {
		return "", fmt.Errorf("title generation failed: %w", err)
	}

	title := strings.TrimSpace(response.Content)
	title = strings.Trim(title, "\"'")

	if len(title) > 50 {
		title = title[:47] + "..."
	}

	return title, nil
}

// Stage1CollectResponses is the non-streaming Stage 1: parallel queries,
// results in roster order with per-model status
func (co *Council) Stage1CollectResponses(ctx context.Context, userQuery string, systemPrompt string, history []OpenRouterMessage) ([]ModelResponse, error) {
	messages := buildMessages(systemPrompt, history, userQuery)
	responses := co.Client.QueryModelsParallel(ctx, co.Models, messages)

	results := make([]ModelResponse, 0, len(co.Models))
	okCount := 0
	for _, model := range co.Models {
		response := responses[model]
		if response == nil || response.Content == "" {
			results = append(results, ModelResponse{
				Model:        model,
				Status:       StatusError,
				ErrorMessage: "model query failed",
			})
			continue
		}
		results = append(results, ModelResponse{
			Model:     model,
			Response:  response.Content,
			Reasoning: response.Reasoning,
			Status:    StatusOK,
		})
		okCount++
	}

	if okCount == 0 {
		return results, fmt.Errorf("stage 1: %w", ErrStageExhausted)
	}
	return results, nil
}

// Stage2CollectRankings is the non-streaming Stage 2
func (co *Council) Stage2CollectRankings(ctx context.Context, userQuery string, stage1 []ModelResponse, systemPrompt string) ([]RankingSubmission, map[string]string, []AggregateRanking, error) {
	labelToModel, labeled := AssignLabels(stage1)

	ownLabel := make(map[string]string)
	for label, model := range labelToModel {
		ownLabel[model] = label
	}

	rankingPrompt := buildRankingPrompt(userQuery, labeled)
	messages := buildMessages(systemPrompt, nil, rankingPrompt)

	voters := make([]string, len(labeled))
	for i, r := range labeled {
		voters[i] = r.Model
	}
	responses := co.Client.QueryModelsParallel(ctx, voters, messages)

	var submissions []RankingSubmission
	for _, voter := range voters {
		response := responses[voter]
		if response == nil {
			continue
		}
		parsed := ParseRankingFromText(response.Content)
		if !co.RankOwnResponse {
			parsed = removeLabel(parsed, ownLabel[voter])
		}
		submissions = append(submissions, RankingSubmission{
			Model:         voter,
			Ranking:       response.Content,
			ParsedRanking: parsed,
		})
	}

	aggregate := CalculateAggregateRankings(submissions, labelToModel, co.Models)
	return submissions, labelToModel, aggregate, nil
}

// Stage3SynthesizeFinal is the non-streaming Stage 3: the same chairman
// chain walk, first non-empty answer wins
func (co *Council) Stage3SynthesizeFinal(ctx context.Context, userQuery string, stage1 []ModelResponse, stage2 []RankingSubmission, systemPrompt string) (*Stage3Response, error) {
	prompt := buildChairmanPrompt(userQuery, stage1, stage2)
	messages := buildMessages(systemPrompt, nil, prompt)

	for _, model := range co.ChairmanChain {
		response, err := co.Client.QueryModel(ctx, model, messages, ModelQueryTimeout)
		if err != nil {
			log.Printf("Chairman candidate %s failed: %v", model, err)
			continue
		}
		if response.Content == "" {
			log.Printf("Chairman candidate %s produced empty output, trying next", model)
			continue
		}
		return &Stage3Response{Model: model, Response: response.Content}, nil
	}

	return nil, fmt.Errorf("stage 3: %w", ErrStageExhausted)
}

// RunFullCouncil runs the complete 3-stage council process without
// streaming and returns all stage results plus metadata
func (co *Council) RunFullCouncil(ctx context.Context, userQuery string, businessID string, history []OpenRouterMessage) (*TurnResult, error) {
	systemPrompt := SystemPromptWithContext(businessID)

	stage1, err := co.Stage1CollectResponses(ctx, userQuery, systemPrompt, history)
	if err != nil {
		return nil, err
	}

	stage2, labelToModel, aggregate, err := co.Stage2CollectRankings(ctx, userQuery, stage1, systemPrompt)
	if err != nil {
		return nil, err
	}

	stage3, err := co.Stage3SynthesizeFinal(ctx, userQuery, stage1, stage2, systemPrompt)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Stage1: stage1,
		Stage2: stage2,
		Stage3: *stage3,
		Metadata: Metadata{
			LabelToModel:      labelToModel,
			AggregateRankings: aggregate,
		},
	}, nil
}
