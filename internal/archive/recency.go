package archive

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/identity"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Recency reads the singleton pointer naming the most recently published
// item. A missing row reads as item 1, not scorable, so lookups on a fresh
// database degrade instead of failing; the next send recreates the row.
func (s *Service) Recency(ctx context.Context) (Pointer, error) {
	var rows []RecencyRecord
	if err := s.db.WithContext(ctx).Where("slot = ?", recencySlot).Find(&rows).Error; err != nil {
		return Pointer{}, newServiceError(opRecency, "select_failed", err)
	}
	if len(rows) == 0 {
		return Pointer{ItemID: 1, Scorable: false}, nil
	}
	if len(rows) > 1 {
		err := newServiceError(opRecency, "row_multiplicity",
			fmt.Errorf("%w: %d recency rows", ErrInvariantViolation, len(rows)))
		s.logError(opRecency, err)
		return Pointer{}, err
	}
	record := rows[0]
	return Pointer{
		ItemID:    record.ItemID,
		Scorable:  record.Scorable,
		Channel:   record.Channel,
		ThreadID:  record.ThreadID,
		Permalink: record.Permalink,
	}, nil
}

// SetRecency overwrites the singleton pointer. Called only after the
// corresponding item is durably recorded and, when delivery confirmation is
// available, after delivery succeeded.
func (s *Service) SetRecency(ctx context.Context, pointer Pointer) error {
	record := RecencyRecord{
		Slot:      recencySlot,
		ItemID:    pointer.ItemID,
		Scorable:  pointer.Scorable,
		Channel:   pointer.Channel,
		ThreadID:  pointer.ThreadID,
		Permalink: pointer.Permalink,
	}
	err := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
		return tx.Save(&record).Error
	})
	if err != nil {
		wrapped := newServiceError(opRecency, "upsert_failed", err)
		s.logError(opRecency, wrapped, zap.Int64("item_id", pointer.ItemID))
		return wrapped
	}
	return nil
}

// ClosureAnnouncer is told when a non-scorable send displaces a pointer that
// was still open for votes, so the old location can be informed that voting
// closed early.
type ClosureAnnouncer interface {
	AnnounceVoteClosed(previous Pointer, newPermalink string)
}

// SendRequest describes a delivery of an archive item to a transport.
// ItemID of zero requests a random pick.
type SendRequest struct {
	ItemID    int64
	Scorable  bool
	Transport identity.Transport
	Announcer ClosureAnnouncer
}

// SendResult reports the delivered item and where it landed.
type SendResult struct {
	Item    Item
	Text    string
	Receipt identity.Receipt
}

// Send resolves an item (explicit or random), delivers it through the
// transport, then updates the recency pointer with the delivery location.
// Durability is layered: the item already exists before the delivery
// attempt, and the pointer only moves after delivery succeeds.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	const operation = "archive.send"
	if req.Transport == nil {
		return SendResult{}, newServiceError(operation, "missing_transport", errMissingTransport)
	}

	traceID := uuid.NewString()

	var item Item
	var err error
	if req.ItemID == 0 {
		item, err = s.SelectRandom(ctx)
	} else {
		item, err = s.Get(ctx, req.ItemID)
	}
	if err != nil {
		return SendResult{}, err
	}

	text, err := s.Content(item.ID)
	if err != nil {
		return SendResult{}, err
	}

	previous, err := s.Recency(ctx)
	if err != nil {
		return SendResult{}, err
	}

	receipt, err := req.Transport.Deliver(text)
	if err != nil {
		wrapped := newServiceError(operation, "delivery_failed", err)
		s.logError(operation, wrapped, zap.Int64("item_id", item.ID), zap.String("trace_id", traceID))
		return SendResult{}, wrapped
	}

	pointer := Pointer{
		ItemID:    item.ID,
		Scorable:  req.Scorable,
		Channel:   receipt.Channel,
		ThreadID:  receipt.ThreadID,
		Permalink: receipt.Permalink,
	}
	if err := s.SetRecency(ctx, pointer); err != nil {
		return SendResult{}, err
	}

	if !req.Scorable && previous.Scorable && req.Announcer != nil && previous.Channel != "" {
		req.Announcer.AnnounceVoteClosed(previous, receipt.Permalink)
	}

	s.logger.Info("item sent",
		zap.Int64("item_id", item.ID),
		zap.Bool("scorable", req.Scorable),
		zap.String("channel", receipt.Channel),
		zap.String("trace_id", traceID))

	return SendResult{Item: item, Text: text, Receipt: receipt}, nil
}
