package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/casualjim/hoot/store"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var historyRaw bool

var historyCmd = &cobra.Command{
	Use:   "history [topic]",
	Short: "List conversations or print one of them",
	Long: `Without arguments, list the stored conversations, most recently used first.
With a topic id, print the messages of that conversation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx := cmd.Context()
		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, st.Close()) }()

		if len(args) == 0 {
			return listTopics(ctx, st, cmd.OutOrStdout())
		}
		return printTopic(ctx, st, args[0], cmd.OutOrStdout(), !historyRaw)
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyRaw, "raw", false, "print replies without markdown rendering")
}

func listTopics(ctx context.Context, st store.Store, out io.Writer) error {
	topics, err := st.ListTopics(ctx)
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		fmt.Fprintln(out, "no conversations yet")
		return nil
	}
	for _, t := range topics {
		name := t.Name
		if name == "" {
			name = "(untitled)"
		}
		fmt.Fprintf(out, "%s  %s  %s\n",
			color.CyanString(t.ID),
			time.Time(t.UpdatedAt).Local().Format(time.DateTime),
			name,
		)
	}
	return nil
}

func printTopic(ctx context.Context, st store.Store, id string, out io.Writer, markdown bool) error {
	topic, err := st.GetTopic(ctx, id)
	if err != nil {
		return err
	}
	r, err := newRenderer(out, markdown)
	if err != nil {
		return err
	}
	for _, msg := range topic.Messages {
		if err := r.Message(msg); err != nil {
			return err
		}
	}
	return nil
}
