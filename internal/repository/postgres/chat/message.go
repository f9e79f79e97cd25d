package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"open3/internal/domain"
	chatModels "open3/internal/domain/models/chat"
	chatRepo "open3/internal/domain/repositories/chat"
	"open3/internal/repository/postgres"
)

// MaxSubtreeDepth bounds the recursive CTE used for cascade deletes.
const MaxSubtreeDepth = 100

// PostgresMessageRepository implements MessageRepository using PostgreSQL
type PostgresMessageRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewMessageRepository creates a new PostgresMessageRepository
func NewMessageRepository(config *postgres.RepositoryConfig) chatRepo.MessageRepository {
	return &PostgresMessageRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateMessage persists a new message and assigns its ID.
// Validates that the parent, when set, belongs to the same conversation.
func (r *PostgresMessageRepository) CreateMessage(ctx context.Context, msg *chatModels.Message) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	if msg.ParentID != nil {
		parentQuery := fmt.Sprintf(`SELECT conversation_id FROM %s WHERE id = $1`, r.tables.Messages)
		var parentConvID string
		if err := executor.QueryRow(ctx, parentQuery, *msg.ParentID).Scan(&parentConvID); err != nil {
			if postgres.IsPgNoRowsError(err) {
				return fmt.Errorf("parent message %s: %w", *msg.ParentID, domain.ErrNotFound)
			}
			return fmt.Errorf("validate parent message: %w", err)
		}
		if parentConvID != msg.ConversationID {
			return fmt.Errorf("%w: parent message belongs to another conversation", domain.ErrValidation)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (conversation_id, parent_id, role, content, reasoning, model, is_complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, r.tables.Messages)

	err := executor.QueryRow(ctx, query,
		msg.ConversationID,
		msg.ParentID,
		msg.Role,
		msg.Content,
		msg.Reasoning,
		msg.Model,
		msg.IsComplete,
		msg.CreatedAt,
	).Scan(&msg.ID, &msg.CreatedAt)

	if err != nil {
		if postgres.IsPgForeignKeyError(err) {
			return fmt.Errorf("conversation %s: %w", msg.ConversationID, domain.ErrNotFound)
		}
		return fmt.Errorf("create message: %w", err)
	}

	// Message insertion counts as conversation activity
	touch := fmt.Sprintf(`UPDATE %s SET updated_at = $2 WHERE id = $1`, r.tables.Conversations)
	if _, err := executor.Exec(ctx, touch, msg.ConversationID, time.Now()); err != nil {
		r.logger.Warn("failed to touch conversation", "conversation_id", msg.ConversationID, "error", err)
	}

	return nil
}

// GetMessage retrieves a message by ID with ChildrenIDs populated
func (r *PostgresMessageRepository) GetMessage(ctx context.Context, id string) (*chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, parent_id, role, content, reasoning, model, is_complete, created_at
		FROM %s
		WHERE id = $1
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)

	var msg chatModels.Message
	err := executor.QueryRow(ctx, query, id).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.ParentID,
		&msg.Role,
		&msg.Content,
		&msg.Reasoning,
		&msg.Model,
		&msg.IsComplete,
		&msg.CreatedAt,
	)
	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}

	childQuery := fmt.Sprintf(`SELECT id FROM %s WHERE parent_id = $1 ORDER BY created_at`, r.tables.Messages)
	rows, err := executor.Query(ctx, childQuery, id)
	if err != nil {
		return nil, fmt.Errorf("get message children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("scan child id: %w", err)
		}
		msg.ChildrenIDs = append(msg.ChildrenIDs, childID)
	}

	return &msg, rows.Err()
}

// ListMessages retrieves all messages of a conversation ordered oldest-first.
// ChildrenIDs are derived from the returned set in a single pass, which is
// complete because parent links never cross conversations.
func (r *PostgresMessageRepository) ListMessages(ctx context.Context, conversationID string) ([]chatModels.Message, error) {
	query := fmt.Sprintf(`
		SELECT id, conversation_id, parent_id, role, content, reasoning, model, is_complete, created_at
		FROM %s
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chatModels.Message, 0)
	for rows.Next() {
		var msg chatModels.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.ParentID,
			&msg.Role,
			&msg.Content,
			&msg.Reasoning,
			&msg.Model,
			&msg.IsComplete,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	children := make(map[string][]string)
	for _, msg := range messages {
		if msg.ParentID != nil {
			children[*msg.ParentID] = append(children[*msg.ParentID], msg.ID)
		}
	}
	for i := range messages {
		messages[i].ChildrenIDs = children[messages[i].ID]
	}

	return messages, nil
}

// AppendMessageContent concatenates a content delta onto an incomplete message
func (r *PostgresMessageRepository) AppendMessageContent(ctx context.Context, id, delta string) error {
	return r.appendColumn(ctx, id, "content", delta)
}

// AppendMessageReasoning concatenates a reasoning delta onto an incomplete message
func (r *PostgresMessageRepository) AppendMessageReasoning(ctx context.Context, id, delta string) error {
	return r.appendColumn(ctx, id, "reasoning", delta)
}

func (r *PostgresMessageRepository) appendColumn(ctx context.Context, id, column, delta string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = %s || $2
		WHERE id = $1 AND is_complete = FALSE
	`, r.tables.Messages, column, column)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, delta)
	if err != nil {
		return fmt.Errorf("append message %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s not streaming: %w", id, domain.ErrNotFound)
	}

	return nil
}

// CompleteMessage marks a message as complete
func (r *PostgresMessageRepository) CompleteMessage(ctx context.Context, id string) error {
	query := fmt.Sprintf(`UPDATE %s SET is_complete = TRUE WHERE id = $1`, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// DeleteMessage removes a message and its entire descendant subtree.
// The parent's children set is derived from parent_id links, so detaching is
// implicit in the delete.
func (r *PostgresMessageRepository) DeleteMessage(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		WITH RECURSIVE subtree AS (
			SELECT id, 0 AS depth FROM %s WHERE id = $1
			UNION ALL
			SELECT m.id, s.depth + 1
			FROM %s m
			JOIN subtree s ON m.parent_id = s.id
			WHERE s.depth < $2
		)
		DELETE FROM %s WHERE id IN (SELECT id FROM subtree)
	`, r.tables.Messages, r.tables.Messages, r.tables.Messages)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, MaxSubtreeDepth)
	if err != nil {
		return fmt.Errorf("delete message subtree: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}

	return nil
}
