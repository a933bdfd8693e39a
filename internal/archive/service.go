package archive

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/ratelimit"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// maxRandomThreshold is the top of the uniform threshold draw for random
	// selection. Items scored above every possible threshold are excluded on
	// all draws; lower scores progressively less often.
	maxRandomThreshold = 11

	// retractWindow caps how old an item an ordinary actor may retract.
	retractWindow = time.Hour
	// privilegedRetractWindow caps retraction age even for privileged actors.
	privilegedRetractWindow = 24 * time.Hour
	// retractCooldown gates all retractions after any success.
	retractCooldown = 60 * time.Second

	recencySlot = 1
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingContent   = errors.New("content store is required")
	errMissingTransport = errors.New("transport is required")
	// ErrNotFound indicates a lookup miss for an item id.
	ErrNotFound = errors.New("archive: item not found")
	// ErrEmptyText indicates a publish with no usable content.
	ErrEmptyText = errors.New("archive: text is empty")
	// ErrInvariantViolation indicates unexpected row multiplicity or other
	// store corruption. It aborts the operation and must surface loudly.
	ErrInvariantViolation = errors.New("archive: store invariant violated")

	noOpLogger = zap.NewNop()
)

// ServiceError wraps failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "archive.service.new"
	opPublish      = "archive.publish"
	opRetract      = "archive.retract"
	opVote         = "archive.vote"
	opSelectRandom = "archive.select_random"
	opGet          = "archive.get"
	opRecency      = "archive.recency"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig carries the dependencies for the content archive ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Content  *ContentStore
	Clock    func() time.Time
	Logger   *zap.Logger
	// IntN draws a uniform integer in [0, n). Defaults to math/rand.
	IntN func(n int) int
	// Metrics is optional; counters are skipped when nil.
	Metrics *metrics.Metrics
}

// Service owns the content archive: sequentially numbered write-once items
// with a mutable score, the vote audit table and the recency pointer.
type Service struct {
	db       *gorm.DB
	content  *ContentStore
	clock    func() time.Time
	logger   *zap.Logger
	intN     func(n int) int
	window   ratelimit.Window
	cooldown *ratelimit.Cooldown
	metrics  *metrics.Metrics
}

// NewService validates the configuration and constructs the archive service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Content == nil {
		return nil, newServiceError(opServiceNew, "missing_content_store", errMissingContent)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	intN := cfg.IntN
	if intN == nil {
		intN = rand.Intn
	}

	return &Service{
		db:       cfg.Database,
		content:  cfg.Content,
		clock:    clock,
		logger:   logger,
		intN:     intN,
		window:   ratelimit.NewWindow(ratelimit.DefaultWindow),
		cooldown: ratelimit.NewCooldown(retractCooldown, clock),
		metrics:  cfg.Metrics,
	}, nil
}

// Count returns the number of items, which is also the highest assigned id.
func (s *Service) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).
		Model(&Item{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&count).Error; err != nil {
		return 0, newServiceError(opGet, "count_failed", err)
	}
	return count, nil
}

func maxIDTx(tx *gorm.DB) (int64, error) {
	var max int64
	err := tx.Model(&Item{}).Select("COALESCE(MAX(id), 0)").Scan(&max).Error
	return max, err
}

// Publish writes a new item at the next sequential id. Content lands in the
// blob store before the row insert commits.
func (s *Service) Publish(ctx context.Context, text, actor string) (Item, error) {
	if !hasWord(text) {
		return Item{}, ErrEmptyText
	}

	traceID := uuid.NewString()
	var item Item
	err := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
		max, err := maxIDTx(tx)
		if err != nil {
			return newServiceError(opPublish, "count_failed", err)
		}
		nextID := max + 1

		if err := s.content.Write(nextID, text); err != nil {
			return newServiceError(opPublish, "content_write_failed", err)
		}

		item = Item{
			ID:               nextID,
			Score:            0,
			CreatedAtSeconds: s.clock().UTC().Unix(),
			CreatedBy:        actor,
		}
		if err := tx.Create(&item).Error; err != nil {
			return newServiceError(opPublish, "row_insert_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opPublish, err, zap.String("actor", actor), zap.String("trace_id", traceID))
		return Item{}, err
	}

	if s.metrics != nil {
		s.metrics.Publishes.Inc()
	}
	s.logger.Info("item published",
		zap.Int64("item_id", item.ID),
		zap.String("actor", actor),
		zap.String("trace_id", traceID))
	return item, nil
}

// RetractStatus classifies the outcome of a retraction attempt.
type RetractStatus int

const (
	// RetractApplied means the tail item was deleted.
	RetractApplied RetractStatus = iota
	// RetractCoolingDown means a recent successful retraction gates all
	// further attempts regardless of actor.
	RetractCoolingDown
	// RetractDenied means the actor was not authorized for this item.
	RetractDenied
)

// RetractOutcome reports what happened to a retraction attempt.
type RetractOutcome struct {
	Status        RetractStatus
	Item          Item
	AdminOverride bool
	Reason        string
	Age           time.Duration
}

// Retract removes the highest numbered item. Only the original creator may
// retract within an hour; a privileged actor may retract any tail item up to
// a day old. The content blob stays behind; ids stay a contiguous run, so
// the next publish takes the freed id and overwrites the blob.
func (s *Service) Retract(ctx context.Context, actor string, privileged bool) (RetractOutcome, error) {
	if !s.cooldown.Ready() {
		return RetractOutcome{
			Status: RetractCoolingDown,
			Reason: "a retraction was processed too recently",
		}, nil
	}

	var outcome RetractOutcome
	err := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
		max, err := maxIDTx(tx)
		if err != nil {
			return newServiceError(opRetract, "count_failed", err)
		}
		if max == 0 {
			return ErrNotFound
		}

		var rows []Item
		if err := tx.Where("id = ?", max).Find(&rows).Error; err != nil {
			return newServiceError(opRetract, "row_select_failed", err)
		}
		if len(rows) == 0 {
			return ErrNotFound
		}
		if len(rows) > 1 {
			return newServiceError(opRetract, "row_multiplicity",
				fmt.Errorf("%w: %d rows for item %d", ErrInvariantViolation, len(rows), max))
		}
		item := rows[0]
		age := s.clock().UTC().Sub(item.CreatedAt())

		decision := retractAuthorization(item.CreatedBy, actor, privileged, age)
		if !decision.allowed {
			outcome = RetractOutcome{
				Status: RetractDenied,
				Item:   item,
				Reason: decision.reason,
				Age:    age,
			}
			return nil
		}

		if err := tx.Delete(&Item{}, item.ID).Error; err != nil {
			return newServiceError(opRetract, "row_delete_failed", err)
		}
		outcome = RetractOutcome{
			Status:        RetractApplied,
			Item:          item,
			AdminOverride: decision.adminOverride,
			Age:           age,
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opRetract, err, zap.String("actor", actor))
		}
		return RetractOutcome{}, err
	}

	if outcome.Status == RetractApplied {
		s.cooldown.MarkSuccess()
		if s.metrics != nil {
			s.metrics.Retractions.Inc()
		}
		s.logger.Info("item retracted",
			zap.Int64("item_id", outcome.Item.ID),
			zap.String("actor", actor),
			zap.Bool("admin_override", outcome.AdminOverride))
	}
	return outcome, nil
}

type retractDecision struct {
	allowed       bool
	adminOverride bool
	reason        string
}

func retractAuthorization(creator, actor string, privileged bool, age time.Duration) retractDecision {
	if creator != actor && !privileged {
		return retractDecision{
			reason: fmt.Sprintf("only the original sender, %s, can retract this item", creator),
		}
	}
	if age > retractWindow && !privileged {
		return retractDecision{
			reason: "an item can only be retracted within an hour of publication",
		}
	}
	if age > privilegedRetractWindow {
		// Protects privileged actors from themselves too.
		return retractDecision{
			reason: "even privileged actors can only retract an item within a day of publication",
		}
	}
	override := privileged && (creator != actor || age > retractWindow)
	return retractDecision{allowed: true, adminOverride: override}
}

// VoteStatus classifies the outcome of a vote.
type VoteStatus int

const (
	// VoteApplied means the score changed and the audit row was replaced.
	VoteApplied VoteStatus = iota
	// VoteRateLimited means the same triple fired inside the window.
	VoteRateLimited
	// VoteClosed means the current item is not open for scoring.
	VoteClosed
)

// VoteOutcome reports a vote result. RetryAt is set only when rate limited.
type VoteOutcome struct {
	Status   VoteStatus
	ItemID   int64
	NewScore int64
	RetryAt  time.Time
}

// Vote applies a +1/-1 score mutation for the item, enforcing the per
// (actor, item, direction) window. The score update, the audit row and the
// read-back commit atomically.
func (s *Service) Vote(ctx context.Context, itemID int64, direction Direction, actor string) (VoteOutcome, error) {
	if !direction.Valid() {
		return VoteOutcome{}, ErrBadDirection
	}

	now := s.clock().UTC()
	var outcome VoteOutcome
	err := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
		var audits []VoteAudit
		if err := tx.Where("actor = ? AND item_id = ? AND direction = ?",
			actor, itemID, int(direction)).Find(&audits).Error; err != nil {
			return newServiceError(opVote, "audit_select_failed", err)
		}
		if len(audits) > 1 {
			return newServiceError(opVote, "audit_multiplicity",
				fmt.Errorf("%w: %d audit rows for (%s, %d, %d)",
					ErrInvariantViolation, len(audits), actor, itemID, direction))
		}
		var lastApplied time.Time
		if len(audits) == 1 {
			lastApplied = time.Unix(audits[0].LastAppliedAtSeconds, 0).UTC()
		}
		if decision := s.window.Check(lastApplied, now); !decision.Allowed {
			outcome = VoteOutcome{Status: VoteRateLimited, ItemID: itemID, RetryAt: decision.RetryAt}
			return nil
		}

		result := tx.Model(&Item{}).
			Where("id = ?", itemID).
			Update("score", gorm.Expr("score + ?", int(direction)))
		if result.Error != nil {
			return newServiceError(opVote, "score_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		audit := VoteAudit{
			Actor:                actor,
			ItemID:               itemID,
			Direction:            int(direction),
			LastAppliedAtSeconds: now.Unix(),
		}
		if err := tx.Save(&audit).Error; err != nil {
			return newServiceError(opVote, "audit_upsert_failed", err)
		}

		var rows []Item
		if err := tx.Where("id = ?", itemID).Find(&rows).Error; err != nil {
			return newServiceError(opVote, "score_readback_failed", err)
		}
		if len(rows) != 1 {
			return newServiceError(opVote, "row_multiplicity",
				fmt.Errorf("%w: %d rows for item %d", ErrInvariantViolation, len(rows), itemID))
		}
		outcome = VoteOutcome{Status: VoteApplied, ItemID: itemID, NewScore: rows[0].Score}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opVote, err, zap.Int64("item_id", itemID), zap.String("actor", actor))
		}
		return VoteOutcome{}, err
	}
	if s.metrics != nil {
		switch outcome.Status {
		case VoteApplied:
			s.metrics.Votes.WithLabelValues(direction.String()).Inc()
		case VoteRateLimited:
			s.metrics.RateLimitRejected.WithLabelValues("archive").Inc()
		}
	}
	return outcome, nil
}

// VoteCurrent resolves the recency pointer and votes on the item it names.
// When the pointer is not scorable, voting is closed and no mutation occurs.
func (s *Service) VoteCurrent(ctx context.Context, direction Direction, actor string) (VoteOutcome, error) {
	pointer, err := s.Recency(ctx)
	if err != nil {
		return VoteOutcome{}, err
	}
	if !pointer.Scorable {
		return VoteOutcome{Status: VoteClosed, ItemID: pointer.ItemID}, nil
	}
	return s.Vote(ctx, pointer.ItemID, direction, actor)
}

// Get loads a single item row by id.
func (s *Service) Get(ctx context.Context, id int64) (Item, error) {
	var rows []Item
	if err := s.db.WithContext(ctx).Where("id = ?", id).Find(&rows).Error; err != nil {
		return Item{}, newServiceError(opGet, "row_select_failed", err)
	}
	if len(rows) == 0 {
		return Item{}, ErrNotFound
	}
	if len(rows) > 1 {
		err := newServiceError(opGet, "row_multiplicity",
			fmt.Errorf("%w: %d rows for item %d", ErrInvariantViolation, len(rows), id))
		s.logError(opGet, err, zap.Int64("item_id", id))
		return Item{}, err
	}
	return rows[0], nil
}

// Content returns the blob text for an item id.
func (s *Service) Content(id int64) (string, error) {
	text, err := s.content.Read(id)
	if err != nil {
		return "", fmt.Errorf("%w: content for item %d", ErrNotFound, id)
	}
	return text, nil
}

// SelectRandom picks an item in two stages: a uniform threshold draw in
// [0, 11], then a uniform pick among items scored at or below it. When the
// draw excludes everything the pick widens to the full [0, 11] band, and
// only when every item scores above the band does it cover the whole
// archive, so heavily upvoted items never shadow eligible ones.
func (s *Service) SelectRandom(ctx context.Context) (Item, error) {
	threshold := s.intN(maxRandomThreshold + 1)

	var rows []Item
	if err := s.db.WithContext(ctx).
		Where("score <= ?", threshold).
		Order("RANDOM()").
		Limit(1).
		Find(&rows).Error; err != nil {
		return Item{}, newServiceError(opSelectRandom, "filtered_select_failed", err)
	}
	if len(rows) == 1 {
		return rows[0], nil
	}

	if threshold < maxRandomThreshold {
		if err := s.db.WithContext(ctx).
			Where("score <= ?", maxRandomThreshold).
			Order("RANDOM()").
			Limit(1).
			Find(&rows).Error; err != nil {
			return Item{}, newServiceError(opSelectRandom, "band_select_failed", err)
		}
		if len(rows) == 1 {
			return rows[0], nil
		}
	}

	if err := s.db.WithContext(ctx).
		Order("RANDOM()").
		Limit(1).
		Find(&rows).Error; err != nil {
		return Item{}, newServiceError(opSelectRandom, "fallback_select_failed", err)
	}
	if len(rows) == 0 {
		return Item{}, ErrNotFound
	}
	return rows[0], nil
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("archive service error", attrs...)
}

func hasWord(text string) bool {
	for _, r := range text {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return true
		case r > 127:
			return true
		}
	}
	return false
}
