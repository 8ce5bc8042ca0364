// Package broker fans live message updates out to subscribers, one topic per
// conversation.
//
// Two implementations share the same contract:
//   - Local delivers in process through a buffered channel per subscription and
//     drops subscribers that can't keep up.
//   - NATS publishes the JSON envelopes from the events package on the subject
//     "hoot.topics.<conversation id>" so other processes can follow a chat.
//
// Subscriptions end when Unsubscribe is called or when the context passed to
// Subscribe is done. Hooks of a single subscription are invoked sequentially in
// publish order.
//
//	topic := broker.Local().Topic(ctx, conversationID)
//	sub, err := topic.Subscribe(ctx, hook)
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
package broker
