// Package replay records provider streams as JSON lines and plays them back.
//
// A recording holds one stream event per line. Consecutive events with the same
// request id form one completion, a blank line also ends a completion. The replay Provider answers each request with
// the next recorded completion, which makes conversations reproducible without
// network access.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/casualjim/hoot/provider"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

// ErrExhausted is returned when every recorded completion has been played.
var ErrExhausted = errors.New("no recorded completions left")

// maxLine bounds a single recorded event.
const maxLine = 4 << 20

// Provider plays back recorded completions in order.
type Provider struct {
	mu          sync.Mutex
	completions [][]provider.StreamEvent
	next        int
	delay       time.Duration
}

var _ provider.Provider = (*Provider)(nil)

// Open loads the recording at path.
func Open(path string) (*Provider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a recording from r.
func Load(r io.Reader) (*Provider, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	p := &Provider{}
	var current []provider.StreamEvent
	var currentID string
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			if len(current) > 0 {
				p.completions = append(p.completions, current)
				current = nil
			}
			continue
		}
		event, err := provider.UnmarshalEvent(data)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		id := requestID(event)
		if len(current) > 0 && id != currentID {
			p.completions = append(p.completions, current)
			current = nil
		}
		currentID = id
		current = append(current, event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	if len(current) > 0 {
		p.completions = append(p.completions, current)
	}
	return p, nil
}

// WithDelay spaces out the replayed events, which makes streaming visible in
// a terminal.
func (p *Provider) WithDelay(d time.Duration) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// Remaining returns the number of completions not played yet.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completions) - p.next
}

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	if p.next >= len(p.completions) {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	recorded := p.completions[p.next]
	p.next++
	delay := p.delay
	p.mu.Unlock()

	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		for _, event := range recorded {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
				}
			}
			if ctx.Err() != nil {
				notifyCancelled(events, params.RequestID, context.Cause(ctx))
				return
			}
			select {
			case events <- withRequestID(event, params.RequestID):
			case <-ctx.Done():
				notifyCancelled(events, params.RequestID, context.Cause(ctx))
				return
			}
		}
	}()
	return events, nil
}

// Recorder forwards requests to another provider and appends every event it
// streams back to a writer.
type Recorder struct {
	next provider.Provider
	mu   sync.Mutex
	w    io.Writer
}

var _ provider.Provider = (*Recorder)(nil)

func NewRecorder(next provider.Provider, w io.Writer) *Recorder {
	return &Recorder{next: next, w: w}
}

func (r *Recorder) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	upstream, err := r.next.ChatCompletion(ctx, params)
	if err != nil {
		return nil, err
	}

	events := make(chan provider.StreamEvent)
	go func() {
		defer close(events)
		for event := range upstream {
			event = withRequestID(event, params.RequestID)
			r.write(event)
			select {
			case events <- event:
			case <-ctx.Done():
				// keep draining so the upstream producer can exit
			}
		}
		r.mu.Lock()
		_, _ = r.w.Write([]byte{'\n'})
		r.mu.Unlock()
	}()
	return events, nil
}

func (r *Recorder) write(event provider.StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.w.Write(append(data, '\n'))
}

func requestID(event provider.StreamEvent) string {
	switch e := event.(type) {
	case provider.Chunk:
		return e.RequestID
	case provider.Response:
		return e.RequestID
	case provider.Error:
		return e.RequestID
	default:
		return ""
	}
}

func withRequestID(event provider.StreamEvent, id string) provider.StreamEvent {
	if id == "" {
		return event
	}
	switch e := event.(type) {
	case provider.Chunk:
		e.RequestID = id
		return e
	case provider.Response:
		e.RequestID = id
		return e
	case provider.Error:
		e.RequestID = id
		return e
	default:
		return event
	}
}

func notifyCancelled(events chan<- provider.StreamEvent, requestID string, cause error) {
	timer := time.NewTimer(100 * time.Millisecond)
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
