// Package provider defines the boundary between the completion orchestrator and
// the model providers it talks to.
//
// Design decisions:
//   - One event vocabulary: every provider normalizes its wire format into Chunk,
//     Response and Error before anything leaves the provider package. Differences
//     such as the field a provider uses for reasoning text never reach the merger
//   - Channels, not callbacks: ChatCompletion returns a receive-only channel so the
//     consumer controls pacing and can stop reading at any point
//   - Cancellation through context: the request context is the abort signal
//   - Error taxonomy: NetworkError for connectivity problems, ProviderError for
//     remote API failures, ErrCancelled for aborted requests
//   - JSON envelopes: events marshal into typed JSON envelopes so streams can be
//     recorded and replayed
//
// The streaming architecture uses three event types:
//  1. Chunk: an incremental delta (text, reasoning, usage snapshot, side payloads)
//  2. Response: a complete non-streaming answer
//  3. Error: a terminal failure, including cancellation
//
// Example usage:
//
//	events, err := p.ChatCompletion(ctx, provider.CompletionParams{
//	    Model:    "gpt-4o-mini",
//	    Messages: []provider.Message{{Role: messages.RoleUser, Content: "hi"}},
//	    Stream:   true,
//	})
//	if err != nil {
//	    return err
//	}
//	for event := range events {
//	    switch e := event.(type) {
//	    case provider.Chunk:
//	        fmt.Print(e.TextDelta)
//	    case provider.Error:
//	        return e.Err
//	    }
//	}
package provider
