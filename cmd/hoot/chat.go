package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/pkg/slogx"
	"github.com/casualjim/hoot/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	settleTimeout   = 2 * time.Second
	shutdownTimeout = 10 * time.Second
	topicNameLen    = 48
)

// errQuit ends the chat loop without reporting an error.
var errQuit = errors.New("quit")

var chatTopic string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation. Replies stream as they are produced.
Press Ctrl-C to pause the reply in progress, Ctrl-C again (or "exit") to quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatTopic, "topic", "t", "", "continue the conversation with this id")
}

func runChat(ctx context.Context, in io.Reader, out io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, a.Close(closeCtx))
	}()

	topic, err := openTopic(ctx, a.store, chatTopic)
	if err != nil {
		return err
	}
	r, err := newRenderer(out, false)
	if err != nil {
		return err
	}
	for _, msg := range topic.Messages {
		if err := r.Message(msg); err != nil {
			return err
		}
	}

	con := newConsole(out)
	sub, err := a.orchestrator.Subscribe(ctx, topic.ID, con)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	fmt.Fprintf(out, "topic %s (model %s)\n", color.CyanString(topic.ID), a.assistant.Model())

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	lines := readLines(in)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-interrupts:
				if a.orchestrator.PauseConversation(topic.ID) {
					continue
				}
				return errQuit
			}
		}
	})
	g.Go(func() error {
		return chatLoop(gctx, a, &topic, con, lines, out)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func chatLoop(ctx context.Context, a *app, topic *messages.Topic, con *console, lines <-chan string, out io.Writer) error {
	for {
		fmt.Fprintf(out, "%s: ", userLabel("user"))

		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return errQuit
			}
			input = strings.TrimSpace(line)
		}
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return errQuit
		}

		if topic.Name == "" {
			topic.Name = topicName(input)
			if err := a.store.SaveTopic(ctx, *topic); err != nil {
				slog.WarnContext(ctx, "failed to name topic", slogx.Conversation(topic.ID), slogx.Error(err))
			}
		}

		user := messages.NewUser(topic.ID, input)
		reply, err := a.orchestrator.Send(ctx, topic.ID, user, a.assistant).Await(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, failure("error: "+err.Error()))
			continue
		}
		con.waitSettled(ctx, reply.ID, settleTimeout)
	}
}

// readLines feeds stdin lines into a channel. The reader goroutine is not
// stopped; it ends with the process or at EOF.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// openTopic loads the topic with the given id, creating it when it does not
// exist. An empty id starts a new topic.
func openTopic(ctx context.Context, st store.Store, id string) (messages.Topic, error) {
	if id != "" {
		topic, err := st.GetTopic(ctx, id)
		if err == nil {
			return topic, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return messages.Topic{}, err
		}
	}

	topic := messages.NewTopic("")
	if id != "" {
		topic.ID = id
	}
	if err := st.SaveTopic(ctx, topic); err != nil {
		return messages.Topic{}, err
	}
	return topic, nil
}

func topicName(input string) string {
	name := strings.Join(strings.Fields(input), " ")
	runes := []rune(name)
	if len(runes) <= topicNameLen {
		return name
	}
	return string(runes[:topicNameLen]) + "…"
}
