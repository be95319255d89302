package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Chat struct {
	ID           string            `json:"id"`
	Tenant       string            `json:"tenant"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Workspace    string            `json:"workspace,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	MaxTurns     int               `json:"max_turns"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type Message struct {
	ID           int64     `json:"id"`
	ChatID       string    `json:"chat_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Sequence     int       `json:"sequence"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

type CreateChatParams struct {
	Tenant       string
	SystemPrompt string
	Workspace    string
	AllowedTools []string
	MaxTurns     int
	Metadata     map[string]string
}

// ChatUpdate carries partial updates; nil fields are left untouched.
type ChatUpdate struct {
	SystemPrompt *string
	Workspace    *string
	AllowedTools *[]string
	MaxTurns     *int
	Metadata     *map[string]string
}

func (s *Store) CreateChat(ctx context.Context, params CreateChatParams) (Chat, error) {
	if params.Tenant == "" {
		params.Tenant = "default"
	}
	if params.MaxTurns <= 0 {
		params.MaxTurns = 50
	}
	if params.AllowedTools == nil {
		params.AllowedTools = []string{}
	}
	if params.Metadata == nil {
		params.Metadata = map[string]string{}
	}

	tools, err := json.Marshal(params.AllowedTools)
	if err != nil {
		return Chat{}, fmt.Errorf("marshal allowed_tools: %w", err)
	}
	meta, err := json.Marshal(params.Metadata)
	if err != nil {
		return Chat{}, fmt.Errorf("marshal metadata: %w", err)
	}

	chat := Chat{
		ID:           uuid.NewString(),
		Tenant:       params.Tenant,
		SystemPrompt: params.SystemPrompt,
		Workspace:    params.Workspace,
		AllowedTools: params.AllowedTools,
		MaxTurns:     params.MaxTurns,
		Metadata:     params.Metadata,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, chat.ID, chat.Tenant, chat.SystemPrompt, chat.Workspace, string(tools), chat.MaxTurns, string(meta), chat.CreatedAt, chat.UpdatedAt)
		return err
	})
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at
		FROM chats WHERE id = ?;
	`, chatID)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// ListChats returns chats for a tenant, newest first, optionally filtered by
// metadata equality. Empty tenant matches all tenants.
func (s *Store) ListChats(ctx context.Context, tenant string, metaFilter map[string]string, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at
		FROM chats`
	args := []interface{}{}
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		if !matchesMetadata(chat.Metadata, metaFilter) {
			continue
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *Store) UpdateChat(ctx context.Context, chatID string, update ChatUpdate) (Chat, error) {
	var chat Chat
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, tenant, system_prompt, workspace, allowed_tools, max_turns, metadata, created_at, updated_at
			FROM chats WHERE id = ?;
		`, chatID)
		chat, err = scanChat(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		if update.SystemPrompt != nil {
			chat.SystemPrompt = *update.SystemPrompt
		}
		if update.Workspace != nil {
			chat.Workspace = *update.Workspace
		}
		if update.AllowedTools != nil {
			chat.AllowedTools = *update.AllowedTools
		}
		if update.MaxTurns != nil && *update.MaxTurns > 0 {
			chat.MaxTurns = *update.MaxTurns
		}
		if update.Metadata != nil {
			chat.Metadata = *update.Metadata
		}
		chat.UpdatedAt = time.Now().UTC()

		tools, err := json.Marshal(chat.AllowedTools)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(chat.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chats SET system_prompt = ?, workspace = ?, allowed_tools = ?, max_turns = ?, metadata = ?, updated_at = ?
			WHERE id = ?;
		`, chat.SystemPrompt, chat.Workspace, string(tools), chat.MaxTurns, string(meta), chat.UpdatedAt, chatID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Chat{}, err
	}
	return chat, nil
}

// AddMessage appends a message to the chat with the next sequence number.
func (s *Store) AddMessage(ctx context.Context, chatID, role, content string, inputTokens, outputTokens int) (Message, error) {
	var msg Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE id = ?;`, chatID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		var lastSeq int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE chat_id = ?;
		`, chatID).Scan(&lastSeq); err != nil {
			return err
		}

		msg = Message{
			ChatID:       chatID,
			Role:         role,
			Content:      content,
			Sequence:     lastSeq + 1,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			CreatedAt:    time.Now().UTC(),
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, role, content, sequence, input_tokens, output_tokens, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, msg.ChatID, msg.Role, msg.Content, msg.Sequence, msg.InputTokens, msg.OutputTokens, msg.CreatedAt)
		if err != nil {
			return err
		}
		msg.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ListMessages returns the chat's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	query := `
		SELECT id, chat_id, role, content, sequence, input_tokens, output_tokens, created_at
		FROM messages WHERE chat_id = ? ORDER BY sequence ASC`
	args := []interface{}{chatID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.Sequence, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UsageTotals aggregates token counts across a tenant's chats.
type UsageTotals struct {
	Tenant       string `json:"tenant"`
	Messages     int    `json:"messages"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Usage sums token accounting for a tenant since the given time. Empty
// tenant aggregates everything.
func (s *Store) Usage(ctx context.Context, tenant string, since time.Time) (UsageTotals, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(m.input_tokens), 0), COALESCE(SUM(m.output_tokens), 0)
		FROM messages m JOIN chats c ON m.chat_id = c.id
		WHERE m.created_at >= ?`
	args := []interface{}{since}
	if tenant != "" {
		query += ` AND c.tenant = ?`
		args = append(args, tenant)
	}

	totals := UsageTotals{Tenant: tenant}
	err := s.db.QueryRowContext(ctx, query+";", args...).
		Scan(&totals.Messages, &totals.InputTokens, &totals.OutputTokens)
	if err != nil {
		return UsageTotals{}, fmt.Errorf("usage: %w", err)
	}
	return totals, nil
}

func scanChat(row rowScanner) (Chat, error) {
	var chat Chat
	var tools, meta string
	if err := row.Scan(&chat.ID, &chat.Tenant, &chat.SystemPrompt, &chat.Workspace,
		&tools, &chat.MaxTurns, &meta, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return Chat{}, err
	}
	if err := json.Unmarshal([]byte(tools), &chat.AllowedTools); err != nil {
		chat.AllowedTools = nil
	}
	if err := json.Unmarshal([]byte(meta), &chat.Metadata); err != nil {
		chat.Metadata = nil
	}
	return chat, nil
}

func matchesMetadata(meta, filter map[string]string) bool {
	for k, want := range filter {
		if meta[k] != want {
			return false
		}
	}
	return true
}
