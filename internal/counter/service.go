package counter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/identity"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/ratelimit"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrNotFound indicates no counter exists for a subject.
	ErrNotFound = errors.New("counter: subject not found")
	// ErrBadDirection indicates an adjustment direction outside {+1, -1}.
	ErrBadDirection = errors.New("counter: direction must be +1 or -1")
	// ErrInvariantViolation indicates unexpected row multiplicity or other
	// store corruption. It aborts the operation and must surface loudly.
	ErrInvariantViolation = errors.New("counter: store invariant violated")

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
	opServiceNew = "counter.service.new"
	opAdjust     = "counter.adjust"
	opPeek       = "counter.peek"
	opQuery      = "counter.query"
	opScan       = "counter.scan"
	opStats      = "counter.stats"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig carries the dependencies for the counter ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// BotName is the reserved identity the ledger defends.
	BotName string
	// Reserved overrides the stock reserved-subject table when set.
	Reserved map[string]ReservedRule
	Resolver identity.Resolver
	Canon    *identity.Canonicalizer
	// Location renders retry times and answers time-word lookups.
	Location *time.Location
	// IntN draws a uniform integer in [0, n). Defaults to math/rand.
	IntN func(n int) int
	// Metrics is optional; counters are skipped when nil.
	Metrics *metrics.Metrics
}

// Service owns the counter ledger: case-normalized free-text keyed counters,
// the adjustment audit table, the policy filter chain and the message scan.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	policy   *Policy
	window   ratelimit.Window
	location *time.Location
	metrics  *metrics.Metrics
}

// NewService validates the configuration and constructs the counter service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
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
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	botName := cfg.BotName
	if botName == "" {
		botName = "tally"
	}

	return &Service{
		db:       cfg.Database,
		clock:    clock,
		logger:   logger,
		policy:   NewPolicy(botName, cfg.Reserved, cfg.Resolver, cfg.Canon, intN),
		window:   ratelimit.NewWindow(ratelimit.DefaultWindow),
		location: location,
		metrics:  cfg.Metrics,
	}, nil
}

// AdjustStatus classifies the outcome of an adjustment.
type AdjustStatus int

const (
	// AdjustApplied means the counter changed and the audit row was replaced.
	AdjustApplied AdjustStatus = iota
	// AdjustRateLimited means the same triple fired inside the window.
	AdjustRateLimited
	// AdjustSuppressed means a policy rule vetoed or redirected the mutation.
	AdjustSuppressed
)

// AdjustOutcome reports an adjustment result. RetryAt is set only when rate
// limited; Reason only when suppressed.
type AdjustOutcome struct {
	Status   AdjustStatus
	Subject  string
	NewValue int64
	RetryAt  time.Time
	Reason   string
}

// Adjust applies a single increment or decrement. The policy chain runs
// before the window check and before the transaction opens; the value upsert
// and the audit row commit atomically.
func (s *Service) Adjust(ctx context.Context, subject string, direction Direction, actor string, responder identity.Responder) (AdjustOutcome, error) {
	if !direction.Valid() {
		return AdjustOutcome{}, ErrBadDirection
	}
	subject = NormalizeSubject(subject)

	approved, err := s.policy.Evaluate(subject, direction, actor, responder, 0)
	if err != nil {
		var veto *vetoError
		if errors.As(err, &veto) {
			notify(responder, veto.reason)
			return AdjustOutcome{Status: AdjustSuppressed, Subject: subject, Reason: veto.reason}, nil
		}
		return AdjustOutcome{}, err
	}

	var outcome AdjustOutcome
	txErr := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
		var applyErr error
		outcome, applyErr = s.applyPlan(tx, approved, responder)
		return applyErr
	})
	if txErr != nil {
		s.logError(opAdjust, txErr, zap.String("subject", subject), zap.String("actor", actor))
		return AdjustOutcome{}, txErr
	}
	s.observeAdjust(outcome, direction)
	return outcome, nil
}

func (s *Service) observeAdjust(outcome AdjustOutcome, direction Direction) {
	if s.metrics == nil {
		return
	}
	switch outcome.Status {
	case AdjustApplied:
		label := "up"
		if direction == DirectionDown {
			label = "down"
		}
		s.metrics.Adjustments.WithLabelValues(label).Inc()
	case AdjustRateLimited:
		s.metrics.RateLimitRejected.WithLabelValues("counter").Inc()
	case AdjustSuppressed:
		s.metrics.PolicyVetoes.Inc()
	}
}

// applyPlan executes one policy-approved mutation inside the provided
// transaction, following at most one redirect instruction. The outcome
// describes the primary mutation; redirect results reach the user through
// the responder, mirroring how the original subject is reported.
func (s *Service) applyPlan(tx *gorm.DB, approved plan, responder identity.Responder) (AdjustOutcome, error) {
	if approved.redirect != nil {
		redirected := *approved.redirect
		notify(responder, fmt.Sprintf("%s%s", redirected.subject, directionToken(redirected.direction)))
		result, err := s.applyMutation(tx, redirected)
		if err != nil {
			return AdjustOutcome{}, err
		}
		if result.Status == AdjustApplied {
			notify(responder, fmt.Sprintf("%s: %d", result.Subject, result.NewValue))
		}
		return AdjustOutcome{
			Status:  AdjustSuppressed,
			Subject: approved.subject,
			Reason:  fmt.Sprintf("redirected to %s", redirected.subject),
		}, nil
	}

	outcome, err := s.applyMutation(tx, approved)
	if err != nil {
		return AdjustOutcome{}, err
	}
	if outcome.Status == AdjustRateLimited {
		notify(responder, fmt.Sprintf("Not changing %s (60 minute rule until %s) for %s.",
			outcome.Subject, outcome.RetryAt.In(s.location).Format("15:04:05"), approved.actor))
	}
	return outcome, nil
}

func (s *Service) applyMutation(tx *gorm.DB, approved plan) (AdjustOutcome, error) {
	now := s.clock().UTC()

	if !approved.exemptWindow {
		var audits []Audit
		if err := tx.Where("actor = ? AND subject = ? AND direction = ?",
			approved.actor, approved.subject, int(approved.direction)).Find(&audits).Error; err != nil {
			return AdjustOutcome{}, newServiceError(opAdjust, "audit_select_failed", err)
		}
		if len(audits) > 1 {
			return AdjustOutcome{}, newServiceError(opAdjust, "audit_multiplicity",
				fmt.Errorf("%w: %d audit rows for (%s, %s, %d)",
					ErrInvariantViolation, len(audits), approved.actor, approved.subject, approved.direction))
		}
		var lastApplied time.Time
		if len(audits) == 1 {
			lastApplied = time.Unix(audits[0].LastAppliedAtSeconds, 0).UTC()
		}
		if decision := s.window.Check(lastApplied, now); !decision.Allowed {
			return AdjustOutcome{Status: AdjustRateLimited, Subject: approved.subject, RetryAt: decision.RetryAt}, nil
		}
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("value + ?", int(approved.direction))}),
	}).Create(&Entry{Subject: approved.subject, Value: int64(approved.direction)}).Error
	if err != nil {
		return AdjustOutcome{}, newServiceError(opAdjust, "value_upsert_failed", err)
	}

	audit := Audit{
		Actor:                approved.actor,
		Subject:              approved.subject,
		Direction:            int(approved.direction),
		LastAppliedAtSeconds: now.Unix(),
	}
	if err := tx.Save(&audit).Error; err != nil {
		return AdjustOutcome{}, newServiceError(opAdjust, "audit_upsert_failed", err)
	}

	var rows []Entry
	if err := tx.Where("subject = ?", approved.subject).Find(&rows).Error; err != nil {
		return AdjustOutcome{}, newServiceError(opAdjust, "value_readback_failed", err)
	}
	if len(rows) != 1 {
		return AdjustOutcome{}, newServiceError(opAdjust, "row_multiplicity",
			fmt.Errorf("%w: %d rows for subject %q after mutation",
				ErrInvariantViolation, len(rows), approved.subject))
	}

	return AdjustOutcome{Status: AdjustApplied, Subject: approved.subject, NewValue: rows[0].Value}, nil
}

// Peek reads a counter value without side effects.
func (s *Service) Peek(ctx context.Context, subject string) (int64, error) {
	value, err := peekTx(s.db.WithContext(ctx), subject)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logError(opPeek, err, zap.String("subject", subject))
	}
	return value, err
}

func peekTx(tx *gorm.DB, subject string) (int64, error) {
	subject = NormalizeSubject(subject)

	var rows []Entry
	if err := tx.Where("subject = ?", subject).Find(&rows).Error; err != nil {
		return 0, newServiceError(opPeek, "select_failed", err)
	}
	if len(rows) == 0 {
		return 0, ErrNotFound
	}
	if len(rows) > 1 {
		return 0, newServiceError(opPeek, "row_multiplicity",
			fmt.Errorf("%w: %d rows for subject %q", ErrInvariantViolation, len(rows), subject))
	}
	return rows[0].Value, nil
}

// QueryResult is one matching counter from a pattern query.
type QueryResult struct {
	Subject string
	Value   int64
}

// Query scans the whole counter table in value order (descending unless
// reversed), filtering each row by the pattern match. A single cursor walks
// the table so concurrent adjustments cannot skip or double-report a row.
func (s *Service) Query(ctx context.Context, match func(subject string) bool, descending bool) ([]QueryResult, error) {
	order := "value DESC, subject ASC"
	if !descending {
		order = "value ASC, subject ASC"
	}

	rows, err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Order(order).
		Rows()
	if err != nil {
		return nil, newServiceError(opQuery, "cursor_open_failed", err)
	}
	defer rows.Close()

	results := make([]QueryResult, 0)
	for rows.Next() {
		var row Entry
		if err := s.db.ScanRows(rows, &row); err != nil {
			return nil, newServiceError(opQuery, "cursor_scan_failed", err)
		}
		if match(row.Subject) {
			results = append(results, QueryResult{Subject: row.Subject, Value: row.Value})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, newServiceError(opQuery, "cursor_read_failed", err)
	}
	return results, nil
}

// Stats describes the ledger in aggregate.
type Stats struct {
	Count int64
	Sum   int64
}

// LedgerStats returns the number of counters and the sum of all values.
func (s *Service) LedgerStats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Select("COUNT(*) AS count, COALESCE(SUM(value), 0) AS sum").
		Scan(&stats).Error
	if err != nil {
		return Stats{}, newServiceError(opStats, "aggregate_failed", err)
	}
	return stats, nil
}

// NormalizeSubject applies the case normalization used for every ledger key.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("counter service error", attrs...)
}
