package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adaql/ada/internal/metadata"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping metadata db: %w", err)
	}
	return nil
}

func (r *Repository) SaveThread(ctx context.Context, in metadata.Thread) (metadata.Thread, error) {
	query := `
INSERT INTO chat_thread (tenant_id, thread_id, category, chat)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, thread_id)
DO UPDATE SET chat = EXCLUDED.chat, category = EXCLUDED.category, updated_ts = NOW()
RETURNING created_ts, updated_ts`
	out := in
	if err := r.db.QueryRowContext(ctx, query, in.TenantID, in.ThreadID, in.Category, in.Chat).Scan(
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return metadata.Thread{}, fmt.Errorf("save thread: %w", err)
	}
	return out, nil
}

func (r *Repository) ListThreads(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT thread_id
FROM chat_thread
WHERE tenant_id = $1
ORDER BY updated_ts DESC, thread_id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return ids, nil
}

func (r *Repository) GetThreads(ctx context.Context, tenantID string, threadIDs []string) ([]metadata.Thread, error) {
	if len(threadIDs) == 0 {
		return []metadata.Thread{}, nil
	}
	args := make([]any, 0, len(threadIDs)+1)
	args = append(args, tenantID)
	placeholders := make([]string, 0, len(threadIDs))
	for _, id := range threadIDs {
		args = append(args, id)
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}
	query := `
SELECT tenant_id, category, thread_id, chat, created_ts, updated_ts
FROM chat_thread
WHERE tenant_id = $1 AND thread_id IN (` + strings.Join(placeholders, ", ") + `)
ORDER BY updated_ts DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	threads := make([]metadata.Thread, 0, len(threadIDs))
	for rows.Next() {
		var thread metadata.Thread
		if err := rows.Scan(
			&thread.TenantID,
			&thread.Category,
			&thread.ThreadID,
			&thread.Chat,
			&thread.CreatedAt,
			&thread.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

func (r *Repository) UpdateThread(ctx context.Context, tenantID, threadID, chat string) (metadata.Thread, error) {
	query := `
UPDATE chat_thread
SET chat = $3, updated_ts = NOW()
WHERE tenant_id = $1 AND thread_id = $2
RETURNING category, created_ts, updated_ts`
	thread := metadata.Thread{TenantID: tenantID, ThreadID: threadID, Chat: chat}
	if err := r.db.QueryRowContext(ctx, query, tenantID, threadID, chat).Scan(
		&thread.Category,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return metadata.Thread{}, metadata.ErrNotFound
		}
		return metadata.Thread{}, fmt.Errorf("update thread: %w", err)
	}
	return thread, nil
}

func (r *Repository) DeleteThread(ctx context.Context, tenantID, threadID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM chat_thread WHERE tenant_id = $1 AND thread_id = $2`, tenantID, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete thread rows affected: %w", err)
	}
	if affected == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

func (r *Repository) LatestSchema(ctx context.Context, tenantID, category string) (string, error) {
	query := `
SELECT schema_text
FROM db_schema
WHERE tenant_id = $1 AND category IN ($2, '')
ORDER BY (category = $2) DESC, version DESC
LIMIT 1`
	var schema string
	if err := r.db.QueryRowContext(ctx, query, tenantID, category).Scan(&schema); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", metadata.ErrNotFound
		}
		return "", fmt.Errorf("latest schema: %w", err)
	}
	return schema, nil
}

func (r *Repository) CategoryPrompt(ctx context.Context, tenantID, category string) (string, error) {
	query := `
SELECT prompt
FROM category_prompt
WHERE tenant_id = $1 AND category = $2`
	var prompt string
	if err := r.db.QueryRowContext(ctx, query, tenantID, category).Scan(&prompt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("category prompt: %w", err)
	}
	return prompt, nil
}
