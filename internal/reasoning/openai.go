// Package reasoning asks a chat model for the next reply, which is either
// plain text or a typed action invocation.
package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/action"
	"github.com/chadiek/voice-agent/internal/conversation"
)

// ErrEmptyReply means the model returned neither text nor a tool call.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Error wraps every failed inference.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("reasoning (%s): %v", e.Model, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Result is either a text reply or an action invocation, never both.
type Result struct {
	Text       string
	Invocation *action.Invocation
}

func (r Result) IsAction() bool { return r.Invocation != nil }

func TextReply(s string) Result { return Result{Text: s} }

func Invoke(name string, args map[string]any) Result {
	return Result{Invocation: &action.Invocation{Name: name, Args: args}}
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	MaxTokens   int64
	Temperature float64
}

// Client talks to an OpenAI compatible chat completions endpoint.
type Client struct {
	client openai.Client
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger, opts ...option.RequestOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		base = append(base, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client: openai.NewClient(append(base, opts...)...),
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reasoning"), zap.String("model", cfg.Model)),
	}
}

// Infer sends the whole conversation and every available action.
func (c *Client) Infer(ctx context.Context, turns []conversation.Turn, defs []action.Definition) (Result, error) {
	params := c.params(convertTurns(turns))
	tools, err := convertTools(defs)
	if err != nil {
		return Result{}, &Error{Model: c.cfg.Model, Err: err}
	}
	if len(tools) > 0 {
		params.Tools = tools
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}
	}

	choice, err := c.complete(ctx, params)
	if err != nil {
		return Result{}, err
	}

	if len(choice.Message.ToolCalls) > 0 {
		call := choice.Message.ToolCalls[0]
		if len(choice.Message.ToolCalls) > 1 {
			c.logger.Warn("model returned several tool calls; using the first", zap.Int("count", len(choice.Message.ToolCalls)))
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return Result{}, &Error{Model: c.cfg.Model, Err: fmt.Errorf("tool %q arguments: %w", call.Function.Name, err)}
			}
		}
		c.logger.Info("model invoked action", zap.String("action", call.Function.Name))
		return Invoke(call.Function.Name, args), nil
	}

	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return Result{}, &Error{Model: c.cfg.Model, Err: ErrEmptyReply}
	}
	return TextReply(text), nil
}

// Greet produces a one-shot opening line from a dedicated system prompt.
func (c *Client) Greet(ctx context.Context, systemPrompt string) (string, error) {
	params := c.params([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)})
	choice, err := c.complete(ctx, params)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", &Error{Model: c.cfg.Model, Err: ErrEmptyReply}
	}
	return text, nil
}

func (c *Client) params(msgs []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    c.cfg.Model,
		Messages: msgs,
	}
	if c.cfg.MaxTokens > 0 {
		p.MaxCompletionTokens = param.NewOpt(c.cfg.MaxTokens)
	}
	if c.cfg.Temperature > 0 {
		p.Temperature = param.NewOpt(c.cfg.Temperature)
	}
	return p
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletionChoice, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		c.logger.Warn("chat completion failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return openai.ChatCompletionChoice{}, &Error{Model: c.cfg.Model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionChoice{}, &Error{Model: c.cfg.Model, Err: errors.New("no choices")}
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return openai.ChatCompletionChoice{}, &Error{Model: c.cfg.Model, Err: fmt.Errorf("refused: %s", choice.Message.Refusal)}
	}
	c.logger.Debug("chat completion",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("finish_reason", string(choice.FinishReason)),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
	)
	return choice, nil
}

func convertTurns(turns []conversation.Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(t.Text))
		case conversation.RoleUser:
			out = append(out, openai.UserMessage(t.Text))
		case conversation.RoleAgent:
			out = append(out, openai.AssistantMessage(t.Text))
		}
	}
	return out
}

func convertTools(defs []action.Definition) ([]openai.ChatCompletionToolParam, error) {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, d := range defs {
		schema, err := d.SchemaMap()
		if err != nil {
			return nil, err
		}
		tools = append(tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        d.Name,
				Description: param.NewOpt(d.Description),
				Parameters:  openai.FunctionParameters(schema),
			},
		})
	}
	return tools, nil
}
