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

// PostgresConversationRepository implements ConversationRepository using PostgreSQL
type PostgresConversationRepository struct {
	pool   *pgxpool.Pool
	tables *postgres.TableNames
	logger *slog.Logger
}

// NewConversationRepository creates a new PostgresConversationRepository
func NewConversationRepository(config *postgres.RepositoryConfig) chatRepo.ConversationRepository {
	return &PostgresConversationRepository{
		pool:   config.Pool,
		tables: config.Tables,
		logger: config.Logger,
	}
}

// CreateConversation persists a new conversation and assigns its ID
func (r *PostgresConversationRepository) CreateConversation(ctx context.Context, conv *chatModels.Conversation) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, title, has_been_renamed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query,
		conv.OwnerID,
		conv.Title,
		conv.HasBeenRenamed,
		conv.CreatedAt,
		conv.UpdatedAt,
	).Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)

	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID
func (r *PostgresConversationRepository) GetConversation(ctx context.Context, id string) (*chatModels.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, owner_id, title, has_been_renamed, created_at, updated_at
		FROM %s
		WHERE id = $1
	`, r.tables.Conversations)

	var conv chatModels.Conversation
	executor := postgres.GetExecutor(ctx, r.pool)
	err := executor.QueryRow(ctx, query, id).Scan(
		&conv.ID,
		&conv.OwnerID,
		&conv.Title,
		&conv.HasBeenRenamed,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)

	if err != nil {
		if postgres.IsPgNoRowsError(err) {
			return nil, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return &conv, nil
}

// ListConversations retrieves all conversations for an owner, newest first
func (r *PostgresConversationRepository) ListConversations(ctx context.Context, ownerID string) ([]chatModels.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, owner_id, title, has_been_renamed, created_at, updated_at
		FROM %s
		WHERE owner_id = $1
		ORDER BY updated_at DESC
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	rows, err := executor.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]chatModels.Conversation, 0)
	for rows.Next() {
		var conv chatModels.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.OwnerID,
			&conv.Title,
			&conv.HasBeenRenamed,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, conv)
	}

	return conversations, rows.Err()
}

// RenameConversation updates the title. renamedByUser marks the title as
// explicitly set so auto-titling stops overwriting it.
func (r *PostgresConversationRepository) RenameConversation(ctx context.Context, id, title string, renamedByUser bool) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $2, has_been_renamed = has_been_renamed OR $3, updated_at = $4
		WHERE id = $1
	`, r.tables.Conversations)

	executor := postgres.GetExecutor(ctx, r.pool)
	tag, err := executor.Exec(ctx, query, id, title, renamedByUser, time.Now())
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}

	return nil
}

// DeleteConversation removes a conversation and cascades to its messages.
// Messages are deleted explicitly so the cascade does not depend on schema
// foreign-key options.
func (r *PostgresConversationRepository) DeleteConversation(ctx context.Context, id string) error {
	executor := postgres.GetExecutor(ctx, r.pool)

	deleteMessages := fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, r.tables.Messages)
	if _, err := executor.Exec(ctx, deleteMessages, id); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}

	deleteConv := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, r.tables.Conversations)
	tag, err := executor.Exec(ctx, deleteConv, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}

	return nil
}
