// Package events carries live message updates from a running completion to
// subscribers such as a terminal renderer or another process listening on NATS.
//
// Event hierarchy:
//   - Event: base interface for all live update events
//     ├── MessageUpdated: the accumulated message after a merged chunk or a status change
//     ├── MessageSettled: the committed message in its terminal status
//     └── Error: a completion that failed before a message could be settled
//
// Events serialize to a JSON envelope with a "type" discriminator so they can
// cross process boundaries:
//
//	data, _ := events.ToJSON(events.MessageUpdated{Message: msg})
//	evt, _ := events.FromJSON(data)
//	switch e := evt.(type) {
//	case events.MessageUpdated:
//	    render(e.Message)
//	case events.MessageSettled:
//	    done(e.Message)
//	case events.Error:
//	    report(e.Err)
//	}
package events
