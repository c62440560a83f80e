package store

import (
	"context"

	"confio/internal/models"
)

type MessageStore struct {
	db DB
}

func NewMessageStore(db DB) *MessageStore {
	return &MessageStore{db: db}
}

type MessageInput struct {
	ID               string
	TradeID          string
	SenderUserID     *string
	SenderBusinessID *string
	Type             string
	Content          string
	AttachmentURL    *string
	AttachmentType   *string
}

func (s *MessageStore) Insert(ctx context.Context, tx Execer, input MessageInput) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_messages (id, trade_id, sender_user_id, sender_business_id,
			type, content, attachment_url, attachment_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, input.ID, input.TradeID, input.SenderUserID, input.SenderBusinessID,
		input.Type, input.Content, input.AttachmentURL, input.AttachmentType)
	return err
}

// ListByTrade serves chat history ascending so clients can replay in order.
func (s *MessageStore) ListByTrade(ctx context.Context, tradeID string, limit, offset int) ([]models.TradeMessage, error) {
	var rows []models.TradeMessage
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, trade_id, sender_user_id, sender_business_id, type, content,
		       attachment_url, attachment_type, is_read, created_at
		FROM trade_messages
		WHERE trade_id = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`, tradeID, limit, offset)
	return rows, err
}

// MarkRead flags everything the reader did not send themselves.
func (s *MessageStore) MarkRead(ctx context.Context, tx Execer, tradeID string, readerUserID, readerBusinessID *string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trade_messages
		SET is_read = TRUE
		WHERE trade_id = $1 AND is_read = FALSE
		  AND NOT (($2::text IS NOT NULL AND sender_user_id = $2)
		       OR ($3::text IS NOT NULL AND sender_business_id = $3))
	`, tradeID, readerUserID, readerBusinessID)
	return err
}
