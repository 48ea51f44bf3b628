package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/fablefox/FableFox/internal/pkg/env"
)

// ErrNotConfigured is returned when no generation backend is configured.
var ErrNotConfigured = errors.New("generation: no API key configured")

// StoryRequest carries the user's prompt plus generation knobs.
type StoryRequest struct {
	Prompt   string
	Audience string // "children", "young-adult", "adult"
}

// StoryResult is a finished generated story.
type StoryResult struct {
	Title   string
	Content string
}

// Generator produces stories from prompts.
type Generator interface {
	GenerateStory(ctx context.Context, req StoryRequest) (*StoryResult, error)
}

// OpenAIGenerator implements Generator on the OpenAI chat completion API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGeneratorFromEnv builds the generator from OPENAI_API_KEY and
// OPENAI_MODEL.
func NewOpenAIGeneratorFromEnv() (*OpenAIGenerator, error) {
	key := strings.TrimSpace(env.GetEnv("OPENAI_API_KEY", ""))
	if key == "" {
		return nil, ErrNotConfigured
	}
	model := env.GetEnv("OPENAI_MODEL", openai.GPT4oMini)
	return &OpenAIGenerator{
		client: openai.NewClient(key),
		model:  model,
	}, nil
}

const systemPrompt = "You are a storyteller. Write a short, self-contained story for the given prompt. " +
	"Start your answer with a single title line, then a blank line, then the story text."

func (g *OpenAIGenerator) GenerateStory(ctx context.Context, req StoryRequest) (*StoryResult, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("generation: empty prompt")
	}
	if req.Audience != "" {
		prompt = fmt.Sprintf("Audience: %s.\n\n%s", req.Audience, prompt)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   2048,
		Temperature: 0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("generation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("generation: empty completion")
	}

	title, content := splitTitle(resp.Choices[0].Message.Content)
	return &StoryResult{Title: title, Content: content}, nil
}

// splitTitle separates the first line (title) from the story body.
func splitTitle(text string) (string, string) {
	text = strings.TrimSpace(text)
	title, body, found := strings.Cut(text, "\n")
	if !found {
		return "Untitled", text
	}
	title = strings.Trim(strings.TrimSpace(title), "#* \"")
	if title == "" {
		title = "Untitled"
	}
	return title, strings.TrimSpace(body)
}
