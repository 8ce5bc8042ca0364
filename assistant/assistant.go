// Package assistant describes who answers in a conversation: which provider and
// model, the system prompt, how much history is sent and the sampling settings.
package assistant

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/fogfish/opts"
)

const (
	DefaultContextCount = 5
	// UnlimitedContextCount and anything above it disables history truncation.
	UnlimitedContextCount = 100
	DefaultProvider       = "openai"
	DefaultModel          = "gpt-4o-mini"
	DefaultTimeout        = 5 * time.Minute
)

type Assistant struct {
	name         string
	provider     string
	model        string
	prompt       string
	contextCount int
	temperature  *float64
	topP         *float64
	maxTokens    int64
	stream       bool
	timeout      time.Duration
	webSearch    bool
}

var (
	Name         = opts.ForName[Assistant, string]("name")
	Provider     = opts.ForName[Assistant, string]("provider")
	Model        = opts.ForName[Assistant, string]("model")
	Prompt       = opts.ForName[Assistant, string]("prompt")
	ContextCount = opts.ForName[Assistant, int]("contextCount")
	MaxTokens    = opts.ForName[Assistant, int64]("maxTokens")
	Stream       = opts.ForName[Assistant, bool]("stream")
	Timeout      = opts.ForName[Assistant, time.Duration]("timeout")
	WebSearch    = opts.ForName[Assistant, bool]("webSearch")
)

func Temperature(v float64) opts.Option[Assistant] {
	return opts.Type[Assistant](func(a *Assistant) error {
		a.temperature = &v
		return nil
	})
}

func TopP(v float64) opts.Option[Assistant] {
	return opts.Type[Assistant](func(a *Assistant) error {
		a.topP = &v
		return nil
	})
}

// New creates an assistant that streams from the default provider and model
// with the default context count.
func New(options ...opts.Option[Assistant]) *Assistant {
	a := &Assistant{
		name:         "assistant",
		provider:     DefaultProvider,
		model:        DefaultModel,
		contextCount: DefaultContextCount,
		stream:       true,
		timeout:      DefaultTimeout,
	}
	if err := opts.Apply(a, options); err != nil {
		panic(err)
	}
	return a
}

func (a *Assistant) Name() string { return a.name }
func (a *Assistant) Provider() string { return a.provider }
func (a *Assistant) Model() string { return a.model }
func (a *Assistant) Prompt() string { return a.prompt }
func (a *Assistant) ContextCount() int { return a.contextCount }
func (a *Assistant) MaxTokens() int64 { return a.maxTokens }
func (a *Assistant) Stream() bool { return a.stream }
func (a *Assistant) Timeout() time.Duration { return a.timeout }
func (a *Assistant) WebSearch() bool { return a.webSearch }
func (a *Assistant) Temperature() *float64 { return copyFloat(a.temperature) }
func (a *Assistant) TopP() *float64 { return copyFloat(a.topP) }
func (a *Assistant) Unlimited() bool { return a.contextCount >= UnlimitedContextCount }

// With returns a copy of the assistant with options applied on top.
func (a *Assistant) With(options ...opts.Option[Assistant]) *Assistant {
	clone := *a
	clone.temperature = copyFloat(a.temperature)
	clone.topP = copyFloat(a.topP)
	if err := opts.Apply(&clone, options); err != nil {
		panic(err)
	}
	return &clone
}

func (a *Assistant) Validate() error {
	var errs []error
	if strings.TrimSpace(a.name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(a.provider) == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if strings.TrimSpace(a.model) == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if a.contextCount < 0 {
		errs = append(errs, fmt.Errorf("context count must not be negative, got %d", a.contextCount))
	}
	if a.temperature != nil && (*a.temperature < 0 || *a.temperature > 2) {
		errs = append(errs, fmt.Errorf("temperature must be between 0 and 2, got %v", *a.temperature))
	}
	if a.topP != nil && (*a.topP <= 0 || *a.topP > 1) {
		errs = append(errs, fmt.Errorf("top_p must be in (0, 1], got %v", *a.topP))
	}
	if a.maxTokens < 0 {
		errs = append(errs, fmt.Errorf("max tokens must not be negative, got %d", a.maxTokens))
	}
	if a.timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %s", a.timeout))
	}
	if _, err := a.parsePrompt(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("assistant %q: %w", a.name, errors.Join(errs...))
	}
	return nil
}

// PromptVars are the values available to the prompt template.
type PromptVars struct {
	Date      string
	Time      string
	Model     string
	Assistant string
}

// RenderPrompt renders the system prompt for a request issued at now. Prompts
// without template actions are returned as is.
func (a *Assistant) RenderPrompt(now time.Time) (string, error) {
	if !strings.Contains(a.prompt, "{{") {
		return a.prompt, nil
	}
	tmpl, err := a.parsePrompt()
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	vars := PromptVars{
		Date:      now.Format(time.DateOnly),
		Time:      now.Format(time.TimeOnly),
		Model:     a.model,
		Assistant: a.name,
	}
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func (a *Assistant) parsePrompt() (*template.Template, error) {
	tmpl, err := template.New(a.name).Option("missingkey=error").Parse(a.prompt)
	if err != nil {
		return nil, fmt.Errorf("parse prompt: %w", err)
	}
	return tmpl, nil
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
