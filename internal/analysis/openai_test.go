package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap/zaptest"
)

type fakeCompleter struct {
	resp openai.ChatCompletionResponse
	err  error
	last openai.ChatCompletionRequest
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.last = req
	return f.resp, f.err
}

func completion(content string, finish openai.FinishReason) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			FinishReason: finish,
		}},
	}
}

func TestOpenAICapabilityBuildsRequest(t *testing.T) {
	fake := &fakeCompleter{resp: completion(` {"summary": "Budget approved."} `, openai.FinishReasonStop)}
	capability := newOpenAICapability(fake, OpenAIOptions{MaxContentChars: 10, Logger: zaptest.NewLogger(t)})

	payload, err := capability.Invoke(context.Background(), intellimail.StageRequest{
		Stage:   intellimail.StageSummarize,
		Content: intellimail.Content{Subject: "Budget", From: "cfo@example.com", Body: "0123456789abcdef"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(payload) != `{"summary": "Budget approved."}` {
		t.Fatalf("expected trimmed payload, got %s", payload)
	}
	if fake.last.Model != openai.GPT4oMini {
		t.Fatalf("expected default model, got %s", fake.last.Model)
	}
	if fake.last.ResponseFormat == nil || fake.last.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Fatalf("expected JSON response format, got %+v", fake.last.ResponseFormat)
	}
	user := fake.last.Messages[1].Content
	if !strings.Contains(user, "0123456789") || strings.Contains(user, "abcdef") {
		t.Fatalf("expected body truncated to 10 chars, got %q", user)
	}
	if capability.ModelVersion() != "openai/"+openai.GPT4oMini {
		t.Fatalf("unexpected model version %s", capability.ModelVersion())
	}
}

func TestOpenAICategorizePromptListsCategories(t *testing.T) {
	fake := &fakeCompleter{resp: completion(`{"categories": ["Finance"]}`, openai.FinishReasonStop)}
	capability := newOpenAICapability(fake, OpenAIOptions{Categories: []string{"Finance", "Legal"}})
	if _, err := capability.Invoke(context.Background(), intellimail.StageRequest{Stage: intellimail.StageCategorize}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if system := fake.last.Messages[0].Content; !strings.Contains(system, "Finance, Legal") {
		t.Fatalf("expected configured categories in prompt, got %q", system)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want intellimail.ErrorKind
	}{
		{name: "rate limited", err: &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, want: intellimail.KindTransient},
		{name: "server error", err: &openai.APIError{HTTPStatusCode: http.StatusBadGateway}, want: intellimail.KindTransient},
		{name: "network", err: errors.New("connection reset"), want: intellimail.KindTransient},
		{name: "unauthorized", err: &openai.APIError{HTTPStatusCode: http.StatusUnauthorized}, want: intellimail.KindPermanent},
		{
			name: "too long",
			err:  &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Code: "context_length_exceeded"},
			want: intellimail.KindPermanent,
		},
		{name: "request error", err: &openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}, want: intellimail.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			capability := newOpenAICapability(&fakeCompleter{err: tc.err}, OpenAIOptions{})
			_, err := capability.Invoke(context.Background(), intellimail.StageRequest{Stage: intellimail.StageSentiment})
			if got := intellimail.Classify(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
		})
	}
}

func TestOpenAICanceledContextPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	capability := newOpenAICapability(&fakeCompleter{err: context.Canceled}, OpenAIOptions{})
	_, err := capability.Invoke(ctx, intellimail.StageRequest{Stage: intellimail.StageSentiment})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenAIResponseProblems(t *testing.T) {
	capability := newOpenAICapability(&fakeCompleter{}, OpenAIOptions{})
	_, err := capability.Invoke(context.Background(), intellimail.StageRequest{Stage: intellimail.StageSentiment})
	if intellimail.Classify(err) != intellimail.KindTransient {
		t.Fatalf("expected empty completion to be transient, got %v", err)
	}

	filtered := newOpenAICapability(&fakeCompleter{resp: completion("", openai.FinishReasonContentFilter)}, OpenAIOptions{})
	_, err = filtered.Invoke(context.Background(), intellimail.StageRequest{Stage: intellimail.StageSentiment})
	if intellimail.Classify(err) != intellimail.KindPermanent {
		t.Fatalf("expected content filter to be permanent, got %v", err)
	}

	_, err = capability.Invoke(context.Background(), intellimail.StageRequest{Stage: "translate"})
	if intellimail.Classify(err) != intellimail.KindPermanent {
		t.Fatalf("expected unknown stage to be permanent, got %v", err)
	}
}

func TestNewOpenAICapabilityRequiresKey(t *testing.T) {
	if _, err := NewOpenAICapability(OpenAIOptions{APIKey: " "}); !errors.Is(err, intellimail.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewOpenAICapability(OpenAIOptions{APIKey: "sk-test", BaseURL: "http://127.0.0.1:1/v1"}); err != nil {
		t.Fatalf("expected client, got %v", err)
	}
}
