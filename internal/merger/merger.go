// Package merger folds a provider's stream of events into a growing assistant
// message.
//
// A Merger moves through Idle, Streaming (Reasoning or Answering) and one of the
// terminal phases Success, Paused or Error. Cancellation is read from the context
// passed to Run before every chunk, so a cancelled stream never mutates the
// message again.
package merger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/provider"
	"github.com/fogfish/opts"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReasoning
	PhaseAnswering
	PhaseSuccess
	PhasePaused
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReasoning:
		return "reasoning"
	case PhaseAnswering:
		return "answering"
	case PhaseSuccess:
		return "success"
	case PhasePaused:
		return "paused"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) Streaming() bool {
	return p == PhaseReasoning || p == PhaseAnswering
}

func (p Phase) Terminal() bool {
	return p >= PhaseSuccess
}

// DefaultThinkingMarkers end a reasoning block that a provider inlines into the
// answer text instead of sending it as reasoning deltas.
var DefaultThinkingMarkers = []string{"</think>", "###Response"}

type Merger struct {
	clock    func() time.Time
	onUpdate func(messages.Message)
	markers  []string

	acc   messages.Message
	phase Phase
	start time.Time
	err   error

	hasReasoning      bool
	answerStarted     bool
	citationsRecorded bool
	prevText          string
	metrics           messages.Metrics
}

var (
	// WithClock replaces time.Now, tests use it to control latency metrics.
	WithClock = opts.ForName[Merger, func() time.Time]("clock")
	// WithOnUpdate is called with a snapshot after every merged event.
	WithOnUpdate = opts.ForName[Merger, func(messages.Message)]("onUpdate")
	// WithThinkingMarkers overrides DefaultThinkingMarkers.
	WithThinkingMarkers = opts.ForName[Merger, []string]("markers")
)

// New creates a merger that streams into acc. The accumulator is moved to
// pending; its existing content and metadata (such as an attached web search)
// are kept.
func New(acc messages.Message, options ...opts.Option[Merger]) *Merger {
	m := &Merger{
		clock:    time.Now,
		onUpdate: func(messages.Message) {},
		markers:  DefaultThinkingMarkers,
		acc:      acc.Clone(),
	}
	if err := opts.Apply(m, options); err != nil {
		panic(err)
	}
	m.acc.Status = messages.StatusPending
	return m
}

func (m *Merger) Phase() Phase {
	return m.phase
}

// Snapshot returns a copy of the accumulator.
func (m *Merger) Snapshot() messages.Message {
	return m.acc.Clone()
}

// Err returns the failure that moved the merger to PhaseError.
func (m *Merger) Err() error {
	return m.err
}

// Run consumes stream until it closes, fails or ctx is cancelled and returns the
// final message. The returned error is only set for PhaseError; a cancelled
// stream ends in PhasePaused with the content merged so far.
func (m *Merger) Run(ctx context.Context, stream <-chan provider.StreamEvent) (messages.Message, error) {
	if m.phase.Terminal() {
		return m.Snapshot(), m.err
	}
	// chunks applied before Run already started the clock
	if m.start.IsZero() {
		m.start = m.clock()
	}

	for {
		if ctx.Err() != nil {
			return m.pause(ctx), nil
		}

		select {
		case <-ctx.Done():
			return m.pause(ctx), nil
		case event, ok := <-stream:
			if !ok {
				return m.succeed(), nil
			}
			// the chunk may have raced with the cancel, drop it
			if ctx.Err() != nil {
				return m.pause(ctx), nil
			}

			switch e := event.(type) {
			case provider.Chunk:
				m.Apply(e)
			case provider.Response:
				m.applyResponse(e)
			case provider.Error:
				if errors.Is(e.Err, provider.ErrCancelled) || errors.Is(e.Err, context.Canceled) {
					return m.pause(ctx), nil
				}
				return m.fail(e.Err), m.err
			default:
				return m.fail(fmt.Errorf("unknown stream event %T", event)), m.err
			}
		}
	}
}

// Apply merges one chunk into the accumulator and publishes a snapshot.
// Chunks arriving after a terminal phase are ignored.
func (m *Merger) Apply(chunk provider.Chunk) {
	if m.phase.Terminal() {
		return
	}
	now := m.clock()
	if m.start.IsZero() {
		m.start = now
	}

	if m.phase == PhaseIdle {
		m.metrics.TimeFirstTokenMs = m.since(now)
		m.phase = PhaseAnswering
	}
	m.merge(chunk, now)
}

// applyResponse handles a non streaming answer as one synthetic chunk. There is
// no meaningful first token latency in that case.
func (m *Merger) applyResponse(resp provider.Response) {
	if m.phase.Terminal() {
		return
	}
	now := m.clock()
	if m.phase == PhaseIdle {
		m.metrics.TimeFirstTokenMs = 0
		m.phase = PhaseAnswering
	}
	m.merge(resp.AsChunk(), now)
}

func (m *Merger) merge(chunk provider.Chunk, now time.Time) {
	m.acc.Content += chunk.TextDelta
	m.acc.ReasoningContent += chunk.ReasoningDelta

	if chunk.ReasoningDelta != "" {
		m.hasReasoning = true
		if !m.answerStarted {
			m.phase = PhaseReasoning
		}
	}
	if !m.answerStarted && m.reasoningEnded(chunk.TextDelta) {
		m.answerStarted = true
		m.phase = PhaseAnswering
		m.metrics.TimeFirstContentMs = m.since(now)
		m.metrics.TimeThinkingMs = m.metrics.TimeFirstContentMs
	}
	if chunk.TextDelta != "" {
		m.prevText = chunk.TextDelta
	}
	m.metrics.TimeCompletionMs = m.since(now)

	m.mergeMetadata(chunk)

	if chunk.Usage != nil {
		usage := *chunk.Usage
		m.acc.Usage = &usage
	}
	if chunk.FinishReason != "" {
		m.acc.FinishReason = chunk.FinishReason
	}

	metrics := m.metrics
	m.acc.Metrics = &metrics
	m.onUpdate(m.acc.Clone())
}

// reasoningEnded reports whether text marks the switch from reasoning to answer:
// either plain text after reasoning deltas, or an end-of-thinking marker spanning
// the previous and the current text delta.
func (m *Merger) reasoningEnded(text string) bool {
	if text == "" {
		return false
	}
	if m.hasReasoning {
		return true
	}
	window := m.prevText + text
	for _, marker := range m.markers {
		if marker != "" && strings.Contains(window, marker) {
			return true
		}
	}
	return false
}

func (m *Merger) mergeMetadata(chunk provider.Chunk) {
	if len(chunk.Citations) == 0 && chunk.ToolResults == nil && len(chunk.Images) == 0 && chunk.WebSearch == nil {
		return
	}
	if m.acc.Metadata == nil {
		m.acc.Metadata = &messages.Metadata{}
	}
	md := m.acc.Metadata

	// providers repeat citations on every chunk, the first set wins
	if !m.citationsRecorded && len(chunk.Citations) > 0 {
		md.Citations = append([]messages.Citation(nil), chunk.Citations...)
		m.citationsRecorded = true
	}
	// tool state arrives as full snapshots, an empty non-nil list clears it
	if chunk.ToolResults != nil {
		md.ToolResults = append([]messages.ToolResult{}, chunk.ToolResults...)
	}
	if len(chunk.Images) > 0 {
		md.GeneratedImages = append(md.GeneratedImages, chunk.Images...)
	}
	if md.WebSearch == nil && chunk.WebSearch != nil {
		ws := *chunk.WebSearch
		md.WebSearch = &ws
	}
}

func (m *Merger) since(now time.Time) int64 {
	return now.Sub(m.start).Milliseconds()
}

func (m *Merger) finish(phase Phase, status messages.Status, reason string) messages.Message {
	m.phase = phase
	m.acc.Status = status
	if m.acc.FinishReason == "" || phase != PhaseSuccess {
		m.acc.FinishReason = reason
	}
	if !m.start.IsZero() {
		m.metrics.TimeCompletionMs = m.since(m.clock())
	}
	metrics := m.metrics
	m.acc.Metrics = &metrics
	return m.acc.Clone()
}

func (m *Merger) succeed() messages.Message {
	return m.finish(PhaseSuccess, messages.StatusSuccess, messages.FinishStop)
}

func (m *Merger) pause(ctx context.Context) messages.Message {
	reason := messages.FinishCancelled
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		reason = messages.FinishTimeout
	}
	return m.finish(PhasePaused, messages.StatusPaused, reason)
}

func (m *Merger) fail(err error) messages.Message {
	m.err = err
	m.acc.Error = provider.Summary(err)
	return m.finish(PhaseError, messages.StatusError, messages.FinishError)
}
