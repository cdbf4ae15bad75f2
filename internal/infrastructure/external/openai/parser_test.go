package openai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/ai"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

type mockChat struct {
	content string
	err     error
	lastReq openai.ChatCompletionRequest
}

func (m *mockChat) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.lastReq = req
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.content}},
	}}, nil
}

func newTestParser(t *testing.T, chat *mockChat) *Parser {
	t.Helper()
	prompts, err := LoadPrompts("")
	require.NoError(t, err)
	return NewParserWithClient(chat, "gpt-4o-mini", prompts, ai.NewHeuristicParser(), zap.NewNop())
}

func TestParser_ModelResponse(t *testing.T) {
	chat := &mockChat{content: `{"amount": 45.5, "merchant": " Chipotle ", "category": "Meals", "description": "team lunch", "confidence": 1.4}`}
	got, err := newTestParser(t, chat).Parse(context.Background(), "team lunch at chipotle 45.50")
	require.NoError(t, err)

	require.NotNil(t, got.AmountCents)
	assert.Equal(t, int64(4550), *got.AmountCents)
	assert.Equal(t, "Chipotle", got.Merchant)
	require.NotNil(t, got.Category)
	assert.Equal(t, entity.CategoryMeals, *got.Category)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, "openai:gpt-4o-mini", got.Source)

	require.Len(t, chat.lastReq.Messages, 2)
	assert.Contains(t, chat.lastReq.Messages[1].Content, "client_entertainment")
	assert.Contains(t, chat.lastReq.Messages[1].Content, "team lunch at chipotle 45.50")
}

func TestParser_FencedJSONAndUnknownCategory(t *testing.T) {
	chat := &mockChat{content: "```json\n{\"amount\": null, \"category\": \"yachts\", \"merchant\": \"a {b}\"}\n```"}
	got, err := newTestParser(t, chat).Parse(context.Background(), "boat")
	require.NoError(t, err)
	assert.Nil(t, got.AmountCents)
	assert.Nil(t, got.Category)
	assert.Equal(t, "a {b}", got.Merchant)
	assert.Equal(t, "boat", got.Description)
}

func TestParser_FallsBackToHeuristic(t *testing.T) {
	for name, chat := range map[string]*mockChat{
		"api error":   {err: errors.New("429 rate limited")},
		"not json":    {content: "sorry, I cannot help"},
		"no response": {content: ""},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := newTestParser(t, chat).Parse(context.Background(), "Taxi from Uber $23")
			require.NoError(t, err)
			assert.Equal(t, "heuristic", got.Source)
			require.NotNil(t, got.AmountCents)
			assert.Equal(t, int64(2300), *got.AmountCents)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":"}"}`, extractJSON(`noise {"a":"}"} trailing`))
	assert.Equal(t, "", extractJSON("no object"))
	assert.Equal(t, "", extractJSON(`{"unterminated": 1`))
}
