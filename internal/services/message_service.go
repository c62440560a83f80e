package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
	"confio/internal/store"
	"confio/internal/websocket"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content too long")
)

const maxMessageLength = 2000

// System chat lines posted on lifecycle transitions. User-facing copy is
// Spanish, matching the product's market.
const (
	sysEscrowFunded     = "Los fondos están asegurados en custodia."
	sysPaymentSent      = "El comprador marcó el pago como enviado."
	sysPaymentReceived  = "El vendedor confirmó la recepción del pago."
	sysTradeCompleted   = "Intercambio completado. Los fondos fueron liberados."
	sysTradeCancelled   = "El intercambio fue cancelado."
	sysTradeExpired     = "El intercambio expiró por falta de acción."
	sysDisputeOpened    = "Se ha abierto una disputa sobre este intercambio."
	sysDisputeResolved  = "La disputa fue resuelta por el equipo de soporte."
	sysSettlementFailed = "La liberación de fondos falló. Soporte está revisando el intercambio."
)

func insertSystemMessage(ctx context.Context, tx store.Execer, messages MessageStore, tradeID, content string) error {
	return messages.Insert(ctx, tx, store.MessageInput{
		ID:      uuid.NewString(),
		TradeID: tradeID,
		Type:    models.MessageSystem,
		Content: content,
	})
}

// MessageService is the persistence side of the trade channel. It doubles as
// the websocket sink so messages arriving over either transport share one
// path.
type MessageService struct {
	txRunner db.TxRunner
	trades   TradeStore
	messages MessageStore
}

func NewMessageService(txRunner db.TxRunner, trades TradeStore, messages MessageStore) *MessageService {
	return &MessageService{txRunner: txRunner, trades: trades, messages: messages}
}

// SaveMessage persists a chat line after checking the sender belongs to the
// trade and the trade still accepts chat.
func (s *MessageService) SaveMessage(ctx context.Context, tradeID string, sender identity.Participant, content string) (websocket.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return websocket.ChatMessage{}, ErrEmptyMessage
	}
	if len(content) > maxMessageLength {
		return websocket.ChatMessage{}, ErrMessageTooLong
	}
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return websocket.ChatMessage{}, ErrTradeNotFound
		}
		return websocket.ChatMessage{}, err
	}
	if !isParticipant(t, sender) {
		return websocket.ChatMessage{}, ErrNotParticipant
	}

	messageID := uuid.NewString()
	userID, businessID := sender.Columns()
	now := time.Now()
	err = s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.messages.Insert(ctx, tx, store.MessageInput{
			ID:               messageID,
			TradeID:          tradeID,
			SenderUserID:     userID,
			SenderBusinessID: businessID,
			Type:             models.MessageText,
			Content:          content,
		})
	})
	if err != nil {
		return websocket.ChatMessage{}, err
	}
	return websocket.ChatMessage{
		MessageID: messageID,
		Sender:    sender.String(),
		Content:   content,
		SentAt:    now.UTC().Format(time.RFC3339),
	}, nil
}

func (s *MessageService) List(ctx context.Context, tradeID string, actor identity.Participant, limit, offset int) ([]models.TradeMessage, error) {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	if !isParticipant(t, actor) {
		return nil, ErrNotParticipant
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.messages.ListByTrade(ctx, tradeID, limit, offset)
}

func (s *MessageService) MarkRead(ctx context.Context, tradeID string, reader identity.Participant) error {
	t, err := s.trades.GetByID(ctx, tradeID)
	if err != nil {
		if isNoRows(err) {
			return ErrTradeNotFound
		}
		return err
	}
	if !isParticipant(t, reader) {
		return ErrNotParticipant
	}
	userID, businessID := reader.Columns()
	return s.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return s.messages.MarkRead(ctx, tx, tradeID, userID, businessID)
	})
}
