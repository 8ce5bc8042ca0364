// Package messages defines the conversation data model shared by the orchestrator,
// the store implementations and the live-update events.
//
// Design decisions:
//   - One message shape: user, assistant and system messages share a single struct,
//     the role decides which fields are meaningful
//   - Status lifecycle: pending and searching are the only mutable states, success,
//     paused and error are terminal and freeze the content
//   - Correlation: an assistant message carries the id of the user message that
//     triggered it in AskID, which is also the cancellation key
//   - Side channels: citations, tool results, generated images and web search payloads
//     live in Metadata and are merged with per-channel rules by the chunk merger
//   - JSON interop: messages serialize with goccy/go-json, timestamps use strfmt.DateTime
//
// Key concepts:
//   - Message: a single turn in a conversation
//   - Topic: a conversation, the ordered container of messages
//   - Usage: cumulative token counters reported by the provider
//   - Metrics: latency measurements taken while a response streams
//
// Example usage:
//
//	user := messages.NewUser(topicID, "What is the capital of France?")
//	reply := messages.NewAssistant(topicID, user.ID, "gpt-4o-mini")
//	reply.Content += "Paris"
//	reply.Status = messages.StatusSuccess
package messages
