/*
Package hoot runs chat completions for conversations: it keeps the history,
streams assistant replies from a model provider and lets callers pause or
regenerate them while they are being produced.

# Basic Usage

Register a provider, describe the assistant and send a user message:

	o := hoot.New(
		hoot.WithStore(store),
		hoot.WithProvider("openai", openai.New()),
	)
	defer o.Close(ctx)

	a := assistant.New(
		assistant.Model("gpt-4o-mini"),
		assistant.Prompt("You are a helpful assistant. Today is {{.Date}}."),
	)

	reply, err := o.Send(ctx, topicID, messages.NewUser(topicID, "hello"), a).Get()

Live updates are delivered to an events.Hook:

	sub, err := o.Subscribe(ctx, topicID, hook)
	defer sub.Unsubscribe()

# Architecture

A send moves through these steps:

1. Queueing (internal/taskqueue)
  - Work for one conversation runs one at a time in submission order
  - Different conversations run concurrently

2. Context selection (internal/truncate)
  - The history is cut to the assistant's token budget
  - The most recent user message is always kept

3. Streaming (internal/merger)
  - Provider events are folded into the reply
  - Reasoning, answer text, citations and usage are tracked separately

4. Cancellation (internal/cancellation)
  - Every reply has an abort handle keyed by the user message it answers
  - Pause and timeouts fire the handle, the reply keeps what streamed so far

5. Delivery (internal/broker)
  - Updates go to in-process subscribers or over NATS

# Thread Safety

An Orchestrator is safe for concurrent use. Hooks are called from broker
goroutines and must not block for long.
*/
package hoot
