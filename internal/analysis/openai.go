package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const (
	defaultOpenAIModel     = openai.GPT4oMini
	defaultMaxContentChars = 6000
	defaultMaxTokens       = 400
)

type OpenAIOptions struct {
	APIKey          string
	BaseURL         string
	Model           string
	MaxContentChars int
	MaxTokens       int
	Categories      []string
	Logger          *zap.Logger
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAICapability answers one stage per chat completion and asks for a JSON
// object shaped like the stage's output.
type OpenAICapability struct {
	client     chatCompleter
	model      string
	maxChars   int
	maxTokens  int
	categories []string
	logger     *zap.Logger
}

func NewOpenAICapability(opts OpenAIOptions) (*OpenAICapability, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key is required", intellimail.ErrInvalidInput)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return newOpenAICapability(openai.NewClientWithConfig(cfg), opts), nil
}

func newOpenAICapability(client chatCompleter, opts OpenAIOptions) *OpenAICapability {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	maxChars := opts.MaxContentChars
	if maxChars <= 0 {
		maxChars = defaultMaxContentChars
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	categories := opts.Categories
	if len(categories) == 0 {
		categories = intellimail.DefaultCategories
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAICapability{
		client:     client,
		model:      model,
		maxChars:   maxChars,
		maxTokens:  maxTokens,
		categories: append([]string(nil), categories...),
		logger:     logger.With(zap.String("component", "openai")),
	}
}

// ModelVersion names the model in cache fingerprints.
func (c *OpenAICapability) ModelVersion() string {
	return "openai/" + c.model
}

func (c *OpenAICapability) Invoke(ctx context.Context, req intellimail.StageRequest) (json.RawMessage, error) {
	system, ok := c.systemPrompt(req.Stage)
	if !ok {
		return nil, intellimail.Permanent(fmt.Errorf("openai: unsupported stage %s", req.Stage))
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: c.userPrompt(req.Content)},
		},
		MaxTokens: c.maxTokens,
		// A zero temperature is dropped from the request body.
		Temperature:    math.SmallestNonzeroFloat32,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, intellimail.Transient(errors.New("openai: empty completion"))
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, intellimail.Permanent(fmt.Errorf("openai: %s output withheld by content filter", req.Stage))
	}
	content := strings.TrimSpace(choice.Message.Content)
	c.logger.Debug("stage completed",
		zap.String("stage", string(req.Stage)),
		zap.String("message_id", req.MessageID),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return json.RawMessage(content), nil
}

func (c *OpenAICapability) userPrompt(content intellimail.Content) string {
	body := content.Body
	if runes := []rune(body); len(runes) > c.maxChars {
		body = string(runes[:c.maxChars])
	}
	return fmt.Sprintf("Subject: %s\nFrom: %s\n\nEmail:\n%s", content.Subject, content.From, body)
}

func (c *OpenAICapability) systemPrompt(stage intellimail.Stage) (string, bool) {
	switch stage {
	case intellimail.StageSummarize:
		return `You summarise emails. Reply with a JSON object {"summary": string} holding a concise one or two sentence summary.`, true
	case intellimail.StageSentiment:
		return `You rate the sentiment of emails. Reply with a JSON object {"score": number} where 0 is very negative, 0.5 is neutral and 1 is very positive.`, true
	case intellimail.StageEntities:
		return `You extract named entities and topics from emails. Reply with a JSON object {"entities": [{"text": string, "label": string}], "topics": [string]}. Use labels PERSON, ORG, GPE, DATE, MONEY, PRODUCT or EMAIL. Give 2 to 4 topics as short phrases.`, true
	case intellimail.StageCategorize:
		return fmt.Sprintf(`You categorise emails. Reply with a JSON object {"categories": [string]} using one or more of: %s.`, strings.Join(c.categories, ", ")), true
	case intellimail.StageImportance:
		return `You rate how important an email is for its recipient. Reply with a JSON object {"score": number} between 0 and 1.`, true
	case intellimail.StageActionItems:
		return `You extract action items, tasks and requests from emails. Reply with a JSON object {"action_items": [string]} of concise items, or an empty list when there are none.`, true
	default:
		return "", false
	}
}

// classifyOpenAIError sorts API failures into retryable and content errors.
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return intellimail.Transient(fmt.Errorf("openai: %w", err))
	}
	status := 0
	code := ""
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		if s, ok := apiErr.Code.(string); ok {
			code = s
		}
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := fmt.Errorf("openai: %w", err)
	switch {
	case status == 0:
		return intellimail.Transient(wrapped)
	case status == http.StatusTooManyRequests, status >= http.StatusInternalServerError, status == http.StatusRequestTimeout:
		return intellimail.Transient(wrapped)
	case status == http.StatusBadRequest && code == "context_length_exceeded":
		return intellimail.Permanent(fmt.Errorf("openai: content too long: %w", err))
	default:
		return intellimail.Permanent(wrapped)
	}
}
