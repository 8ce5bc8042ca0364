package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/hoot/events"
	"github.com/casualjim/hoot/messages"
	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
)

var (
	assistantLabel = color.New(color.FgMagenta).SprintFunc()
	userLabel      = color.New(color.FgCyan).SprintFunc()
	reasoning      = color.New(color.Faint).SprintFunc()
	notice         = color.New(color.FgYellow).SprintFunc()
	failure        = color.New(color.FgRed).SprintFunc()
)

// console prints the live updates of one conversation as they stream in.
type console struct {
	mu       sync.Mutex
	w        io.Writer
	content  map[string]int
	thoughts map[string]int
	searched map[string]bool
	settled  chan messages.Message
}

var _ events.Hook = (*console)(nil)

func newConsole(w io.Writer) *console {
	return &console{
		w:        w,
		content:  make(map[string]int),
		thoughts: make(map[string]int),
		searched: make(map[string]bool),
		settled:  make(chan messages.Message, 16),
	}
}

func (c *console) OnMessageUpdated(_ context.Context, msg messages.Message) {
	if msg.Role != messages.RoleAssistant {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Status == messages.StatusSearching && !c.searched[msg.ID] {
		c.searched[msg.ID] = true
		fmt.Fprintln(c.w, notice("searching the web..."))
	}
	c.printDelta(msg)
}

func (c *console) OnMessageSettled(_ context.Context, msg messages.Message) {
	if msg.Role != messages.RoleAssistant {
		return
	}
	c.mu.Lock()
	c.printDelta(msg)
	if _, started := c.content[msg.ID]; started {
		fmt.Fprintln(c.w)
	}
	switch msg.Status {
	case messages.StatusPaused:
		fmt.Fprintln(c.w, notice("[paused: "+msg.FinishReason+"]"))
	case messages.StatusError:
		fmt.Fprintln(c.w, failure("[error] "+msg.Error))
	}
	delete(c.content, msg.ID)
	delete(c.thoughts, msg.ID)
	delete(c.searched, msg.ID)
	c.mu.Unlock()

	select {
	case c.settled <- msg:
	default:
	}
}

func (c *console) OnError(_ context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, failure("error: "+err.Error()))
}

// printDelta writes the part of msg that has not been printed yet.
func (c *console) printDelta(msg messages.Message) {
	if n := c.thoughts[msg.ID]; len(msg.ReasoningContent) > n {
		fmt.Fprint(c.w, reasoning(msg.ReasoningContent[n:]))
		c.thoughts[msg.ID] = len(msg.ReasoningContent)
	}

	n, started := c.content[msg.ID]
	if len(msg.Content) <= n {
		return
	}
	if !started {
		if c.thoughts[msg.ID] > 0 {
			fmt.Fprintln(c.w)
		}
		fmt.Fprint(c.w, assistantLabel("assistant")+": ")
	}
	fmt.Fprint(c.w, msg.Content[n:])
	c.content[msg.ID] = len(msg.Content)
}

// waitSettled blocks until the settled update for id has been printed.
func (c *console) waitSettled(ctx context.Context, id string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.settled:
			if msg.ID == id {
				return
			}
		case <-deadline:
			return
		case <-ctx.Done():
			return
		}
	}
}

// renderer formats stored messages for the history command.
type renderer struct {
	w    io.Writer
	glam *glamour.TermRenderer
}

func newRenderer(w io.Writer, markdown bool) (*renderer, error) {
	r := &renderer{w: w}
	if markdown {
		glam, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return nil, err
		}
		r.glam = glam
	}
	return r, nil
}

func (r *renderer) Message(msg messages.Message) error {
	switch msg.Role {
	case messages.RoleUser:
		fmt.Fprintf(r.w, "%s: %s\n", userLabel("user"), msg.Content)
		return nil
	case messages.RoleSystem:
		fmt.Fprintf(r.w, "%s: %s\n", notice("system"), msg.Content)
		return nil
	}

	fmt.Fprint(r.w, assistantLabel("assistant")+": ")
	if msg.ReasoningContent != "" {
		fmt.Fprintln(r.w, reasoning(strings.TrimSpace(msg.ReasoningContent)))
	}
	body := msg.Content
	if r.glam != nil && body != "" {
		out, err := r.glam.Render(body)
		if err != nil {
			return err
		}
		body = strings.TrimRight(out, "\n")
	}
	fmt.Fprintln(r.w, body)

	switch msg.Status {
	case messages.StatusPaused:
		fmt.Fprintln(r.w, notice("[paused: "+msg.FinishReason+"]"))
	case messages.StatusError:
		fmt.Fprintln(r.w, failure("[error] "+msg.Error))
	case messages.StatusPending, messages.StatusSearching:
		fmt.Fprintln(r.w, notice("[in progress]"))
	}
	return nil
}
