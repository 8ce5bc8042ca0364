/*
Package openai implements provider.Provider on top of the OpenAI chat completions
API. Any OpenAI compatible endpoint works: point the client at it with
option.WithBaseURL and authenticate with option.WithAPIKey.

# Design Decisions

  - Normalization at the boundary: reasoning text, citations, generated images and
    usage are read from the raw chunk JSON with gjson, so vendor specific fields
    (reasoning_content, reasoning, thinking, url_citation annotations) are mapped
    into provider.Chunk here and nowhere else
  - Usage snapshots: streaming requests ask for include_usage so the final chunk
    carries cumulative token counts
  - Prompt cancellation: the request context is checked before every chunk, and a
    cancelled request ends with a provider.Error wrapping provider.ErrCancelled
  - Error taxonomy: API failures become provider.ProviderError with the message
    extracted from the error body, transport failures become provider.NetworkError

# Usage

	p := openai.New(option.WithAPIKey(key))
	events, err := p.ChatCompletion(ctx, provider.CompletionParams{
	    Model:    openai.DefaultModel,
	    Messages: []provider.Message{{Role: messages.RoleUser, Content: "hi"}},
	    Stream:   true,
	})
*/
package openai

// DefaultModel is used when configuration does not name a model.
const DefaultModel = "gpt-4o-mini"
