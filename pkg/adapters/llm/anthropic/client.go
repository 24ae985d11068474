package anthropic

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/crewdock/crewd/internal/config"
	"github.com/crewdock/crewd/pkg/domain"
	"github.com/crewdock/crewd/pkg/ports"
)

// Per-million-token rates used to convert usage into window spend. These
// track claude-3-5-sonnet pricing.
const (
	inputCostPerMTok  = 3.0
	outputCostPerMTok = 15.0
)

// systemPrompts give each capability its specialist framing. Every prompt
// asks for the trailing confidence line that Complete parses out.
var systemPrompts = map[domain.Capability]string{
	domain.CapabilityResearch:   "You are a research specialist. Gather the relevant facts for the task and report them concisely.",
	domain.CapabilityAnalyze:    "You are an analysis specialist. Examine the material you are given and report findings, root causes and tradeoffs.",
	domain.CapabilityWrite:      "You are a writing specialist. Produce clear, well-structured prose for the task.",
	domain.CapabilityCoordinate: "You are a coordination specialist. Combine the inputs you are given into one coherent answer.",
	domain.CapabilityGeneric:    "You are a capable generalist. Complete the task directly and concisely.",
}

const confidenceInstruction = "\n\nEnd your answer with a final line of the form 'Confidence: 0.NN' rating how confident you are in it."

var confidenceLine = regexp.MustCompile(`(?mi)^\s*confidence:\s*([01](?:\.\d+)?)\s*$`)

// Client calls the Anthropic Messages API and accounts each call's cost.
type Client struct {
	client    anthropic.Client
	logger    *zap.Logger
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewClient creates an Anthropic completion client.
func NewClient(cfg *config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		logger:    logger,
		model:     anthropic.Model(cfg.DefaultModel),
		maxTokens: int64(cfg.DefaultMaxTokens),
		timeout:   cfg.RequestTimeout,
	}, nil
}

// Complete runs one model call for a task attempt. The returned Cost is in
// dollars and feeds the budget tracker; Confidence comes from the model's
// self-rating line when present.
func (c *Client) Complete(ctx context.Context, req *ports.CompletionRequest) (*ports.CompletionResult, error) {
	system, ok := systemPrompts[req.Capability]
	if !ok {
		system = systemPrompts[domain.CapabilityGeneric]
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system + confidenceInstruction},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}

	answer, confidence := extractConfidence(text.String())
	cost := costFromUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	c.logger.Debug("model call completed",
		zap.String("worker_id", req.WorkerID),
		zap.String("capability", string(req.Capability)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
		zap.Float64("cost", cost),
		zap.Duration("duration", time.Since(start)))

	return &ports.CompletionResult{
		Text:       answer,
		Cost:       cost,
		Confidence: confidence,
	}, nil
}

func costFromUsage(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1e6*inputCostPerMTok + float64(outputTokens)/1e6*outputCostPerMTok
}

// extractConfidence strips the trailing self-rating line and returns it as a
// score. Answers without the line get a neutral 0.7.
func extractConfidence(text string) (string, float64) {
	match := confidenceLine.FindStringSubmatch(text)
	if match == nil {
		return strings.TrimSpace(text), 0.7
	}
	score, err := strconv.ParseFloat(match[1], 64)
	if err != nil || score < 0 || score > 1 {
		score = 0.7
	}
	answer := confidenceLine.ReplaceAllString(text, "")
	return strings.TrimSpace(answer), score
}
