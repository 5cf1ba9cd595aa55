// Package gemini implements stages.Decider on top of the Gemini API. Each
// decision kind is one JSON-mode request carrying the whole batch.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/goliatone/go-triage/stages"
	"github.com/spf13/viper"
	genai "google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

var ErrInvalidJSON = errors.New("gemini: invalid JSON from model")

// Generator sends prompt plus input and returns the model's JSON reply.
type Generator interface {
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
}

// Client is a thin wrapper around the genai client in JSON response mode.
type Client struct {
	cli   *genai.Client
	model string
}

// NewClient reads GEMINI_API_KEY when apiKey is empty.
func NewClient(ctx context.Context, apiKey string, model string) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &Client{cli: cli, model: model}, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error) {
	in, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("gemini: encode input: %w", err)
	}
	full := prompt + "\n\n[INPUT JSON]\n" + string(in)

	resp, err := c.cli.Models.GenerateContent(ctx, c.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: full}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ErrInvalidJSON
	}
	txt := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	if !json.Valid([]byte(txt)) {
		return nil, ErrInvalidJSON
	}
	return json.RawMessage(txt), nil
}

// Prompts holds the instruction text for each decision kind.
type Prompts struct {
	Categorize string `mapstructure:"categorize"`
	Organize   string `mapstructure:"organize"`
	Respond    string `mapstructure:"respond"`
	Cleanup    string `mapstructure:"cleanup"`
}

func DefaultPrompts() Prompts {
	return Prompts{
		Categorize: `Categorize each email. Return {"decisions": [{"email_id", "category", "priority"}]}.
Use short upper-case categories such as URGENT, PERSONAL, RECEIPTS, NEWSLETTERS, PROMOTIONS.
Priority is one of HIGH, MEDIUM, LOW.`,
		Organize: `Decide how to organize each email. Return {"decisions": [{"email_id", "star", "labels", "mark_read"}]}.
Star only HIGH priority mail. Labels are Gmail label names.`,
		Respond: `Decide which emails need a reply. Return {"decisions": [{"email_id", "reply", "body"}]}.
Only reply to mail that asks the user a direct question. Keep the body short and plain text.`,
		Cleanup: `Decide which emails can be moved to trash. Return {"decisions": [{"email_id", "trash", "reason"}]}.
Only trash promotions or newsletters older than a few days. Never trash personal mail.`,
	}
}

// LoadPrompts reads a YAML prompts file. Kinds missing from the file keep
// their default text; an empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	prompts := DefaultPrompts()
	path = strings.TrimSpace(path)
	if path == "" {
		return prompts, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Prompts{}, fmt.Errorf("gemini: read prompts %s: %w", path, err)
	}
	var loaded Prompts
	if err := v.Unmarshal(&loaded); err != nil {
		return Prompts{}, fmt.Errorf("gemini: decode prompts %s: %w", path, err)
	}
	prompts.Categorize = firstNonEmpty(loaded.Categorize, prompts.Categorize)
	prompts.Organize = firstNonEmpty(loaded.Organize, prompts.Organize)
	prompts.Respond = firstNonEmpty(loaded.Respond, prompts.Respond)
	prompts.Cleanup = firstNonEmpty(loaded.Cleanup, prompts.Cleanup)
	return prompts, nil
}

// Decider asks the model for every decision.
type Decider struct {
	generator Generator
	prompts   Prompts
}

func NewDecider(generator Generator, prompts Prompts) (*Decider, error) {
	if generator == nil {
		return nil, fmt.Errorf("gemini: generator is required")
	}
	defaults := DefaultPrompts()
	prompts.Categorize = firstNonEmpty(prompts.Categorize, defaults.Categorize)
	prompts.Organize = firstNonEmpty(prompts.Organize, defaults.Organize)
	prompts.Respond = firstNonEmpty(prompts.Respond, defaults.Respond)
	prompts.Cleanup = firstNonEmpty(prompts.Cleanup, defaults.Cleanup)
	return &Decider{generator: generator, prompts: prompts}, nil
}

type emailView struct {
	ID       string `json:"email_id"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	AgeDays  int    `json:"age_days"`
	Body     string `json:"body"`
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (d *Decider) Categorize(ctx context.Context, emails []stages.Email) ([]stages.Categorization, error) {
	views := make([]emailView, 0, len(emails))
	for _, email := range emails {
		views = append(views, viewOf(email, "", ""))
	}
	return ask[stages.Categorization](ctx, d.generator, d.prompts.Categorize, views)
}

func (d *Decider) Organize(ctx context.Context, items []stages.Item) ([]stages.OrganizeDecision, error) {
	return ask[stages.OrganizeDecision](ctx, d.generator, d.prompts.Organize, itemViews(items))
}

func (d *Decider) Respond(ctx context.Context, items []stages.Item) ([]stages.ReplyDecision, error) {
	return ask[stages.ReplyDecision](ctx, d.generator, d.prompts.Respond, itemViews(items))
}

func (d *Decider) Cleanup(ctx context.Context, items []stages.Item) ([]stages.CleanupDecision, error) {
	return ask[stages.CleanupDecision](ctx, d.generator, d.prompts.Cleanup, itemViews(items))
}

func ask[T any](ctx context.Context, generator Generator, prompt string, views []emailView) ([]T, error) {
	if len(views) == 0 {
		return []T{}, nil
	}
	raw, err := generator.GenerateJSON(ctx, prompt, map[string]any{"emails": views})
	if err != nil {
		return nil, err
	}
	return decodeDecisions[T](raw)
}

// decodeDecisions accepts either {"decisions": [...]} or a bare array.
func decodeDecisions[T any](raw json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	var out []T
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
		}
		return out, nil
	}
	var envelope struct {
		Decisions []T `json:"decisions"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if envelope.Decisions == nil {
		return []T{}, nil
	}
	return envelope.Decisions, nil
}

func itemViews(items []stages.Item) []emailView {
	views := make([]emailView, 0, len(items))
	for _, item := range items {
		views = append(views, viewOf(item.Email, item.Category, item.Priority))
	}
	return views
}

func viewOf(email stages.Email, category string, priority string) emailView {
	return emailView{
		ID:       email.ID,
		From:     email.From,
		Subject:  email.Subject,
		AgeDays:  email.AgeDays,
		Body:     email.Body,
		Category: category,
		Priority: priority,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

var _ stages.Decider = (*Decider)(nil)
