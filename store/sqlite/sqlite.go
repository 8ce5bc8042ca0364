// Package sqlite is a Store backed by a SQLite database through the pure Go
// modernc.org/sqlite driver. Messages are stored as JSON documents next to the
// few columns needed for ordering and lookups.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/casualjim/hoot/messages"
	"github.com/casualjim/hoot/store"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

const InMemory = ":memory:"

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (and creates when needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is required")
	}
	if path != InMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows a single writer; one connection also keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) GetHistory(ctx context.Context, conversationID string) ([]messages.Message, error) {
	rows, err := s.db.QueryContext(ctx, selectHistory, conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query history %s: %w", conversationID, err)
	}
	defer rows.Close()

	result := []messages.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: read history %s: %w", conversationID, err)
	}
	return result, nil
}

func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (messages.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage, conversationID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return messages.Message{}, fmt.Errorf("message %s in %s: %w", messageID, conversationID, store.ErrNotFound)
	}
	return msg, err
}

func (s *Store) AppendOrReplace(ctx context.Context, conversationID string, msg messages.Message) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	msg.ConversationID = conversationID
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sqlite: encode message %s: %w", msg.ID, err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, touchTopic, conversationID, now, now); err != nil {
			return fmt.Errorf("sqlite: touch topic %s: %w", conversationID, err)
		}
		if _, err := tx.ExecContext(ctx, upsertMessage, msg.ID, conversationID, string(msg.Role), string(msg.Status), msg.AskID, string(body)); err != nil {
			return fmt.Errorf("sqlite: save message %s: %w", msg.ID, err)
		}
		return nil
	})
}

func (s *Store) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, deleteMessage, conversationID, messageID)
		if err != nil {
			return fmt.Errorf("sqlite: delete message %s: %w", messageID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("message %s in %s: %w", messageID, conversationID, store.ErrNotFound)
		}
		now := s.timestamp()
		_, err = tx.ExecContext(ctx, touchTopic, conversationID, now, now)
		return err
	})
}

func (s *Store) SaveTopic(ctx context.Context, topic messages.Topic) error {
	if topic.ID == "" {
		return errors.New("topic id is required")
	}
	now := s.timestamp()
	created := now
	if !time.Time(topic.CreatedAt).IsZero() {
		created = formatTime(time.Time(topic.CreatedAt))
	}
	if _, err := s.db.ExecContext(ctx, upsertTopic, topic.ID, topic.Name, created, now); err != nil {
		return fmt.Errorf("sqlite: save topic %s: %w", topic.ID, err)
	}
	return nil
}

func (s *Store) GetTopic(ctx context.Context, id string) (messages.Topic, error) {
	topic, err := scanTopic(s.db.QueryRowContext(ctx, selectTopic, id))
	if errors.Is(err, sql.ErrNoRows) {
		return messages.Topic{}, fmt.Errorf("topic %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return messages.Topic{}, err
	}
	if topic.Messages, err = s.GetHistory(ctx, id); err != nil {
		return messages.Topic{}, err
	}
	return topic, nil
}

func (s *Store) ListTopics(ctx context.Context) ([]messages.Topic, error) {
	rows, err := s.db.QueryContext(ctx, selectTopics)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list topics: %w", err)
	}
	defer rows.Close()

	var result []messages.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, topic)
	}
	return result, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, tx.Rollback())
	}
	return tx.Commit()
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

// formatTime uses a fixed width layout so that text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (messages.Message, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		return messages.Message{}, err
	}
	var msg messages.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return messages.Message{}, fmt.Errorf("sqlite: decode message: %w", err)
	}
	return msg, nil
}

func scanTopic(row scanner) (messages.Topic, error) {
	var topic messages.Topic
	var created, updated string
	if err := row.Scan(&topic.ID, &topic.Name, &created, &updated); err != nil {
		return messages.Topic{}, err
	}
	var err error
	if topic.CreatedAt, err = strfmt.ParseDateTime(created); err != nil {
		return messages.Topic{}, fmt.Errorf("sqlite: topic %s created_at: %w", topic.ID, err)
	}
	if topic.UpdatedAt, err = strfmt.ParseDateTime(updated); err != nil {
		return messages.Topic{}, fmt.Errorf("sqlite: topic %s updated_at: %w", topic.ID, err)
	}
	return topic, nil
}
