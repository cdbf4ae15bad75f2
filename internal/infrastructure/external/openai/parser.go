package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// ChatClient is the part of the OpenAI client the parser calls
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Parser implements port.TextParser with a chat completion. Any model failure
// falls back to the heuristic parser, so Parse only fails if both do.
type Parser struct {
	client   ChatClient
	model    string
	prompts  *PromptConfig
	fallback port.TextParser
	logger   *zap.Logger
}

var _ port.TextParser = (*Parser)(nil)

// NewParser creates a parser backed by the OpenAI API. timeout bounds each
// HTTP call; zero leaves the client default.
func NewParser(apiKey, model string, timeout time.Duration, prompts *PromptConfig, fallback port.TextParser, logger *zap.Logger) *Parser {
	config := openai.DefaultConfig(apiKey)
	if timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: timeout}
	}
	return NewParserWithClient(openai.NewClientWithConfig(config), model, prompts, fallback, logger)
}

// NewParserWithClient creates a parser around an existing chat client
func NewParserWithClient(client ChatClient, model string, prompts *PromptConfig, fallback port.TextParser, logger *zap.Logger) *Parser {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Parser{
		client:   client,
		model:    model,
		prompts:  prompts,
		fallback: fallback,
		logger:   logger,
	}
}

// parseResponse is the JSON object the model is asked to return
type parseResponse struct {
	Amount      *float64 `json:"amount"`
	Merchant    string   `json:"merchant"`
	Category    *string  `json:"category"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
}

// Parse asks the model for structured fields, falling back on any failure
func (p *Parser) Parse(ctx context.Context, text string) (*entity.ParsedExpense, error) {
	parsed, err := p.complete(ctx, text)
	if err == nil {
		return parsed, nil
	}
	if p.fallback == nil {
		return nil, err
	}
	p.logger.Warn("Model parse failed, using heuristic parser", zap.Error(err))
	return p.fallback.Parse(ctx, text)
}

func (p *Parser) complete(ctx context.Context, text string) (*entity.ParsedExpense, error) {
	cfg := p.prompts.ExpenseParse

	categories := make([]string, 0, len(entity.Categories()))
	for _, c := range entity.Categories() {
		categories = append(categories, string(c))
	}
	prompt, err := renderTemplate(cfg.UserTemplate, map[string]interface{}{
		"Categories": strings.Join(categories, ", "),
		"Text":       text,
	})
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: cfg.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		p.logger.Error("OpenAI API call failed", zap.Error(err))
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	content := resp.Choices[0].Message.Content
	var raw parseResponse
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		jsonStr := extractJSON(content)
		if jsonStr == "" {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	out := &entity.ParsedExpense{
		Merchant:    strings.TrimSpace(raw.Merchant),
		Description: strings.TrimSpace(raw.Description),
		Confidence:  clampConfidence(raw.Confidence),
		Source:      "openai:" + p.model,
	}
	if raw.Amount != nil && *raw.Amount > 0 {
		cents := entity.AmountToCents(*raw.Amount)
		out.AmountCents = &cents
	}
	if raw.Category != nil {
		c := entity.Category(strings.ToLower(strings.TrimSpace(*raw.Category)))
		if c.IsValid() {
			out.Category = &c
		}
	}
	if out.Description == "" {
		out.Description = strings.TrimSpace(text)
	}
	return out, nil
}

func clampConfidence(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// extractJSON returns the outermost {...} object found in content
func extractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
