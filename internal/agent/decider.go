package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rahul/dbagent/internal/observability"
	"github.com/rahul/dbagent/internal/tools"
)

// ChatHistory supplies earlier chat turns of a thread.
type ChatHistory interface {
	GetHistory(chatID string, limit int) ([]llms.MessageContent, error)
}

// LLMDecider asks a chat model for the next decision in JSON mode.
type LLMDecider struct {
	Model       llms.Model
	Prompts     *PromptManager
	Registry    *tools.Registry
	Logger      *observability.Logger
	Temperature float64
	// History, when set, adds the last HistoryTurns chat messages of the
	// thread before the question.
	History      ChatHistory
	HistoryTurns int
}

func NewLLMDecider(model llms.Model, prompts *PromptManager, registry *tools.Registry, logger *observability.Logger) *LLMDecider {
	return &LLMDecider{
		Model:        model,
		Prompts:      prompts,
		Registry:     registry,
		Logger:       logger,
		Temperature:  0.2,
		HistoryTurns: 6,
	}
}

func (d *LLMDecider) Decide(ctx context.Context, req DecisionRequest) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "agent.decide", trace.WithAttributes(
		attribute.String("thread_id", req.ThreadID),
		attribute.Int("step", req.Step),
	))
	defer span.End()

	messages, err := d.messages(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	start := time.Now()
	resp, err := d.Model.GenerateContent(ctx, messages,
		llms.WithTemperature(d.Temperature),
		llms.WithJSONMode(),
	)
	elapsed := time.Since(start)
	if err != nil {
		observability.RecordDecision("error", elapsed)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("decision call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		observability.RecordDecision("invalid", elapsed)
		span.SetStatus(codes.Error, "empty response")
		return "", fmt.Errorf("decision call returned no choices")
	}

	content := resp.Choices[0].Content
	observability.RecordDecision("success", elapsed)
	if d.Logger != nil {
		d.Logger.LogLLM(req.ThreadID, req.Step, messages, content, elapsed)
	}
	return content, nil
}

func (d *LLMDecider) messages(req DecisionRequest) ([]llms.MessageContent, error) {
	system, err := d.Prompts.GetSystemPrompt()
	if err != nil {
		return nil, err
	}
	developer, err := d.Prompts.GetDeveloperPrompt()
	if err != nil {
		return nil, err
	}

	var toolLines []string
	if d.Registry != nil {
		for _, spec := range d.Registry.All() {
			params, _ := json.Marshal(spec.Parameters)
			toolLines = append(toolLines, fmt.Sprintf("- %s: %s\n  args schema: %s", spec.Name, spec.Description, params))
		}
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeSystem, "Knowledge hint (JSON):\n"+req.Summary.JSON()),
		llms.TextParts(llms.ChatMessageTypeSystem, developer+"\n\n## Available tools\n"+strings.Join(toolLines, "\n")),
	}
	if req.Hint != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, "Constraint: "+req.Hint))
	}
	if d.History != nil && d.HistoryTurns > 0 && req.ThreadID != "" {
		past, err := d.History.GetHistory(req.ThreadID, d.HistoryTurns)
		if err != nil {
			log.Printf("[decider] failed to load history for %s: %v", req.ThreadID, err)
		} else {
			messages = append(messages, past...)
		}
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Question))
	return messages, nil
}
