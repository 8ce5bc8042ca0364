package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/casualjim/hoot/config"
	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/store/memory"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestRootHelp(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	out := buf.String()
	for _, want := range []string{"chat", "history", "version", "--config", "--replay"} {
		assert.Contains(t, out, want)
	}
}

func TestVersion(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "hoot dev\n", buf.String())
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short", "hello there", "hello there"},
		{"collapses whitespace", "  hello \n\t there ", "hello there"},
		{"long", strings.Repeat("a", 60), strings.Repeat("a", topicNameLen) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, topicName(tt.input))
		})
	}
}

func TestOpenTopic(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	created, err := openTopic(ctx, st, "")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	named, err := openTopic(ctx, st, "fixed-id")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", named.ID)

	require.NoError(t, st.AppendOrReplace(ctx, "fixed-id", messages.NewUser("fixed-id", "hi")))
	again, err := openTopic(ctx, st, "fixed-id")
	require.NoError(t, err)
	assert.Len(t, again.Messages, 1)
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	con := newConsole(&buf)
	ctx := context.Background()

	msg := messages.NewAssistant("topic", "ask", "m")
	con.OnMessageUpdated(ctx, messages.NewUser("topic", "ignored"))
	con.OnMessageUpdated(ctx, msg)

	msg.ReasoningContent = "thinking"
	con.OnMessageUpdated(ctx, msg)
	msg.Content = "Hel"
	con.OnMessageUpdated(ctx, msg)
	msg.Content = "Hello"
	con.OnMessageUpdated(ctx, msg)

	msg.Status = messages.StatusPaused
	msg.FinishReason = messages.FinishCancelled
	con.OnMessageSettled(ctx, msg)

	assert.Equal(t, "thinking\nassistant: Hello\n[paused: cancelled]\n", buf.String())

	con.waitSettled(ctx, msg.ID, 0)
}

func TestConsole_Error(t *testing.T) {
	var buf bytes.Buffer
	con := newConsole(&buf)

	msg := messages.NewAssistant("topic", "ask", "m")
	msg.Status = messages.StatusError
	msg.Error = "502: upstream crashed"
	con.OnMessageSettled(context.Background(), msg)

	assert.Equal(t, "[error] 502: upstream crashed\n", buf.String())
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var buf bytes.Buffer
	require.NoError(t, listTopics(ctx, st, &buf))
	assert.Equal(t, "no conversations yet\n", buf.String())

	topic := messages.NewTopic("greetings")
	require.NoError(t, st.SaveTopic(ctx, topic))
	user := messages.NewUser(topic.ID, "hi")
	require.NoError(t, st.AppendOrReplace(ctx, topic.ID, user))
	reply := messages.NewAssistant(topic.ID, user.ID, "m")
	reply.Content = "hello"
	reply.Status = messages.StatusPaused
	reply.FinishReason = messages.FinishTimeout
	require.NoError(t, st.AppendOrReplace(ctx, topic.ID, reply))

	buf.Reset()
	require.NoError(t, listTopics(ctx, st, &buf))
	assert.Contains(t, buf.String(), topic.ID)
	assert.Contains(t, buf.String(), "greetings")

	buf.Reset()
	require.NoError(t, printTopic(ctx, st, topic.ID, &buf, false))
	assert.Equal(t, "user: hi\nassistant: hello\n[paused: timeout]\n", buf.String())

	require.Error(t, printTopic(ctx, st, "missing", &buf, false))
}

func TestChat_Replay(t *testing.T) {
	dir := t.TempDir()
	recording := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(recording, []byte(strings.Join([]string{
		`{"type":"chunk","request_id":"a","text_delta":"Hello "}`,
		`{"type":"chunk","request_id":"a","text_delta":"there"}`,
		"",
	}, "\n")), 0o600))

	cfg = config.Default()
	replayPath = recording
	chatTopic = "replayed"
	t.Cleanup(func() {
		cfg = nil
		replayPath = ""
		chatTopic = ""
	})

	var out bytes.Buffer
	require.NoError(t, runChat(context.Background(), strings.NewReader("hi\nexit\n"), &out))

	assert.Contains(t, out.String(), "topic replayed")
	assert.Contains(t, out.String(), "assistant: Hello there")
}
