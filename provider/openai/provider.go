package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/provider"
	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// cancelNoticeTimeout bounds how long the producer waits to hand the final
// cancellation event to a consumer that may already have stopped reading.
const cancelNoticeTimeout = 100 * time.Millisecond

type Provider struct {
	client openai.Client
}

var _ provider.Provider = (*Provider)(nil)

func New(options ...option.RequestOption) *Provider {
	return &Provider{
		client: openai.NewClient(options...),
	}
}

func (p *Provider) buildRequest(params *provider.CompletionParams) (openai.ChatCompletionNewParams, error) {
	if strings.TrimSpace(params.Model) == "" {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("model is required")
	}

	result, err := messagesToOpenAI(params.SystemPrompt, params.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	oaiParams := openai.ChatCompletionNewParams{
		Messages: result,
		Model:    params.Model,
		N:        openai.Int(1),
	}
	if params.Temperature != nil {
		oaiParams.Temperature = openai.Float(*params.Temperature)
	}
	if params.TopP != nil {
		oaiParams.TopP = openai.Float(*params.TopP)
	}
	if params.MaxTokens > 0 {
		oaiParams.MaxTokens = openai.Int(params.MaxTokens)
	}
	if params.Stream {
		oaiParams.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}
	return oaiParams, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	chatParams, err := p.buildRequest(&params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		if params.Stream {
			p.runStream(ctx, chatParams, &params, events)
		} else {
			p.runOnce(ctx, chatParams, &params, events)
		}
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, params openai.ChatCompletionNewParams, command *provider.CompletionParams, events chan<- provider.StreamEvent) {
	strm := p.client.Chat.Completions.NewStreaming(ctx, params)

	// Ensure cleanup on all exit paths
	defer func() {
		_ = strm.Close()
		if err := ctx.Err(); err != nil {
			notifyCancelled(events, command.RequestID, err)
		}
	}()

	if err := strm.Err(); err != nil {
		if ctx.Err() == nil {
			emit(ctx, events, errorEvent(command.RequestID, err))
		}
		return
	}

	for strm.Next() {
		// Check context before processing each chunk
		if ctx.Err() != nil {
			return
		}

		chunk := strm.Current()
		event, ok := chunkToStreamEvent(&chunk, command.RequestID)
		if !ok {
			continue
		}
		if !emit(ctx, events, event) {
			return
		}
	}

	if err := strm.Err(); err != nil && ctx.Err() == nil {
		emit(ctx, events, errorEvent(command.RequestID, err))
	}
}

func (p *Provider) runOnce(ctx context.Context, params openai.ChatCompletionNewParams, command *provider.CompletionParams, events chan<- provider.StreamEvent) {
	chat, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			notifyCancelled(events, command.RequestID, ctxErr)
			return
		}
		emit(ctx, events, errorEvent(command.RequestID, err))
		return
	}

	emit(ctx, events, completionToStreamEvent(chat, command.RequestID))
}

func emit(ctx context.Context, events chan<- provider.StreamEvent, event provider.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func notifyCancelled(events chan<- provider.StreamEvent, requestID string, cause error) {
	timer := time.NewTimer(cancelNoticeTimeout)
	defer timer.Stop()

	select {
	case events <- provider.Error{
		RequestID: requestID,
		Err:       fmt.Errorf("%w: %w", provider.ErrCancelled, cause),
		Timestamp: strfmt.DateTime(time.Now()),
	}:
	case <-timer.C:
	}
}

func errorEvent(requestID string, err error) provider.Error {
	return provider.Error{
		RequestID: requestID,
		Err:       convertError(err),
		Timestamp: strfmt.DateTime(time.Now()),
	}
}

// convertError maps openai-go failures onto the provider error taxonomy.
func convertError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return provider.NewProviderError(apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return provider.Classify(err)
}

func messagesToOpenAI(systemPrompt string, msgs []provider.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		result = append(result, openai.SystemMessage(systemPrompt))
	}

	for i, msg := range msgs {
		switch msg.Role {
		case messages.RoleUser:
			result = append(result, openai.UserMessage(msg.Content))
		case messages.RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		case messages.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		default:
			return nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}
	return result, nil
}
