package openai

import (
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/provider"
	"github.com/go-openapi/strfmt"
	"github.com/openai/openai-go"
	"github.com/tidwall/gjson"
)

// OpenAI compatible servers disagree on where reasoning text goes. DeepSeek and
// most gateways use reasoning_content, OpenRouter uses reasoning, some local
// servers use thinking.
var reasoningFields = []string{"reasoning_content", "reasoning", "thinking"}

func reasoningOf(raw string) string {
	for _, field := range reasoningFields {
		if v := gjson.Get(raw, field); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// citationsOf collects citations either from a top level list of urls
// (Perplexity style) or from url_citation annotations on the message or delta.
func citationsOf(raw string, choicePath string) []messages.Citation {
	var citations []messages.Citation

	gjson.Get(raw, "citations").ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String && value.String() != "" {
			citations = append(citations, messages.Citation{
				Number: len(citations) + 1,
				URL:    value.String(),
			})
		}
		return true
	})
	if len(citations) > 0 {
		return citations
	}

	gjson.Get(raw, choicePath+".annotations").ForEach(func(_, value gjson.Result) bool {
		if value.Get("type").String() != "url_citation" {
			return true
		}
		cite := value.Get("url_citation")
		citations = append(citations, messages.Citation{
			Number:  len(citations) + 1,
			URL:     cite.Get("url").String(),
			Title:   cite.Get("title").String(),
			Content: cite.Get("content").String(),
		})
		return true
	})
	return citations
}

func imagesOf(raw string, choicePath string) []messages.GeneratedImage {
	var images []messages.GeneratedImage
	gjson.Get(raw, choicePath+".images").ForEach(func(_, value gjson.Result) bool {
		url := value.Get("image_url.url").String()
		if url == "" {
			return true
		}
		images = append(images, messages.GeneratedImage{URL: url})
		return true
	})
	return images
}

func usageOf(raw string, usage openai.CompletionUsage) *messages.Usage {
	if v := gjson.Get(raw, "usage"); !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	return &messages.Usage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

// chunkToStreamEvent normalizes one streamed chunk. It reports false when the
// chunk carries nothing the merger cares about, like role-only deltas.
func chunkToStreamEvent(chunk *openai.ChatCompletionChunk, requestID string) (provider.Chunk, bool) {
	raw := chunk.RawJSON()
	event := provider.Chunk{
		RequestID: requestID,
		Usage:     usageOf(raw, chunk.Usage),
		Citations: citationsOf(raw, "choices.0.delta"),
		Images:    imagesOf(raw, "choices.0.delta"),
		Timestamp: strfmt.DateTime(time.Now()),
	}

	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		event.TextDelta = choice.Delta.Content
		event.ReasoningDelta = reasoningOf(choice.Delta.RawJSON())
		event.FinishReason = choice.FinishReason
	}

	if model := gjson.Get(raw, "model"); model.Exists() {
		event.Meta = gjson.Parse(`{"model":` + model.Raw + `}`)
	}

	empty := event.TextDelta == "" && event.ReasoningDelta == "" && event.Usage == nil &&
		len(event.Citations) == 0 && len(event.Images) == 0 && event.FinishReason == ""
	return event, !empty
}

func completionToStreamEvent(chat *openai.ChatCompletion, requestID string) provider.StreamEvent {
	raw := chat.RawJSON()
	response := provider.Response{
		RequestID: requestID,
		Usage:     usageOf(raw, chat.Usage),
		Citations: citationsOf(raw, "choices.0.message"),
		Images:    imagesOf(raw, "choices.0.message"),
		Timestamp: strfmt.DateTime(time.Now()),
	}

	if len(chat.Choices) > 0 {
		choice := chat.Choices[0]
		response.Text = choice.Message.Content
		response.Reasoning = reasoningOf(choice.Message.RawJSON())
		response.FinishReason = choice.FinishReason
	}
	return response
}
