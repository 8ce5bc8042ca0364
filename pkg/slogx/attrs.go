package slogx

import (
	"log/slog"
	"time"
)

// Error returns a slog.Attr with the key "error" and the error's message as the value.
// A nil error produces an empty string so callers can log unconditionally.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

const (
	// KeyLoggerName is the key for the logger name attribute.
	KeyLoggerName = "logger"
	// KeyConversation is the key for the conversation (topic) id attribute.
	KeyConversation = "conversation"
	// KeyMessage is the key for the message id attribute.
	KeyMessage = "message"
)

// LoggerName returns an attribute naming the component that logs.
func LoggerName(name string) slog.Attr {
	return slog.String(KeyLoggerName, name)
}

// Conversation returns an attribute for a conversation id.
func Conversation(id string) slog.Attr {
	return slog.String(KeyConversation, id)
}

// Message returns an attribute for a message id.
func Message(id string) slog.Attr {
	return slog.String(KeyMessage, id)
}

// Millis renders a duration as integer milliseconds, the unit the message metrics use.
func Millis(key string, d time.Duration) slog.Attr {
	return slog.Int64(key, d.Milliseconds())
}
