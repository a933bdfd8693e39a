package counter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/identity"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// subjectPattern extracts the leftmost <subject><operator><boundary> run.
// The subject is any run of two or more non-space characters; the boundary
// is punctuation or whitespace; the tail is rescanned for further matches.
var subjectPattern = regexp.MustCompile(`([^\s]{2,})(\+\+|--|~~)[!:;?.,)\]}\s]+([\w\W]*)`)

// trailingOpPattern detects an operator at the very end of the message,
// which the boundary requirement would otherwise miss.
var trailingOpPattern = regexp.MustCompile(`(\+\+|--|~~)$`)

// ScanStatus classifies one extracted term's outcome.
type ScanStatus int

const (
	// ScanApplied means the counter mutated; Value is the new value.
	ScanApplied ScanStatus = iota
	// ScanQueried means a ~~ lookup hit; Value is the current value.
	ScanQueried
	// ScanIntercepted means the subject was answered from process state.
	ScanIntercepted
	// ScanRateLimited means the mutation fired inside the window.
	ScanRateLimited
	// ScanSuppressed means a policy rule vetoed or redirected the mutation.
	ScanSuppressed
	// ScanMissed means a ~~ lookup on a subject with no counter.
	ScanMissed
)

// ScanResult is the outcome for one extracted term, in message order.
type ScanResult struct {
	Subject string
	Status  ScanStatus
	Value   int64
	Reason  string
}

type scanAction struct {
	subject     string
	queryOnly   bool
	approved    plan
	resultIndex int
}

// Scan extracts every ledger term from a free-text message and processes
// them left to right. Policy evaluation, including any external identity
// resolution, completes before the ledger transaction opens; all mutations
// from one scan commit or roll back together.
func (s *Service) Scan(ctx context.Context, actor, message string, responder identity.Responder) ([]ScanResult, error) {
	traceID := uuid.NewString()

	haystack := message
	if trailingOpPattern.MatchString(haystack) {
		haystack += "."
	}

	results := make([]ScanResult, 0)
	actions := make([]scanAction, 0)

	for {
		m := subjectPattern.FindStringSubmatch(haystack)
		if m == nil {
			break
		}
		subject := NormalizeSubject(m[1])
		operator := m[2]
		haystack = m[3]

		if value, ok := s.intercept(subject); ok {
			results = append(results, ScanResult{Subject: subject, Status: ScanIntercepted, Value: value})
			continue
		}

		if operator == "~~" {
			filtered, err := s.policy.FilterSubject(subject)
			if err != nil {
				results = append(results, suppressedResult(subject, err, responder))
				continue
			}
			results = append(results, ScanResult{Subject: filtered})
			actions = append(actions, scanAction{subject: filtered, queryOnly: true, resultIndex: len(results) - 1})
			continue
		}

		direction := DirectionUp
		if operator == "--" {
			direction = DirectionDown
		}
		approved, err := s.policy.Evaluate(subject, direction, actor, responder, 0)
		if err != nil {
			results = append(results, suppressedResult(subject, err, responder))
			continue
		}
		results = append(results, ScanResult{Subject: approved.subject})
		actions = append(actions, scanAction{subject: approved.subject, approved: approved, resultIndex: len(results) - 1})
	}

	if len(actions) > 0 {
		err := database.RunInTransaction(ctx, s.db, func(tx *gorm.DB) error {
			for i := range actions {
				action := &actions[i]
				if action.queryOnly {
					value, err := peekTx(tx, action.subject)
					if errors.Is(err, ErrNotFound) {
						results[action.resultIndex] = ScanResult{Subject: action.subject, Status: ScanMissed}
						continue
					}
					if err != nil {
						return err
					}
					results[action.resultIndex] = ScanResult{Subject: action.subject, Status: ScanQueried, Value: value}
					continue
				}

				adjusted, err := s.applyPlan(tx, action.approved, responder)
				if err != nil {
					return err
				}
				results[action.resultIndex] = scanResultFromAdjust(adjusted)
			}
			return nil
		})
		if err != nil {
			s.logError(opScan, err, zap.String("actor", actor), zap.String("trace_id", traceID))
			return nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.ScanTerms.Add(float64(len(results)))
	}
	if len(results) > 0 {
		s.logger.Debug("message scan processed",
			zap.String("actor", actor),
			zap.Int("terms", len(results)),
			zap.String("trace_id", traceID))
	}
	return results, nil
}

// intercept answers a handful of subject literals from the process clock and
// fixed constants instead of the ledger.
func (s *Service) intercept(subject string) (int64, bool) {
	now := s.clock().In(s.location)
	switch subject {
	case "year":
		return int64(now.Year()), true
	case "month":
		return int64(now.Month()), true
	case "day":
		return int64(now.Day()), true
	case "hour":
		return int64(now.Hour()), true
	case "minute":
		return int64(now.Minute()), true
	case "second":
		return int64(now.Second()), true
	case "life":
		return 0, true
	case "18290":
		return 290, true
	}
	return 0, false
}

func suppressedResult(subject string, err error, responder identity.Responder) ScanResult {
	reason := err.Error()
	var veto *vetoError
	if errors.As(err, &veto) {
		reason = veto.reason
		notify(responder, veto.reason)
	}
	return ScanResult{Subject: subject, Status: ScanSuppressed, Reason: reason}
}

func scanResultFromAdjust(outcome AdjustOutcome) ScanResult {
	switch outcome.Status {
	case AdjustApplied:
		return ScanResult{Subject: outcome.Subject, Status: ScanApplied, Value: outcome.NewValue}
	case AdjustRateLimited:
		return ScanResult{
			Subject: outcome.Subject,
			Status:  ScanRateLimited,
			Reason:  fmt.Sprintf("window open again at %s", outcome.RetryAt.Format("15:04:05")),
		}
	default:
		return ScanResult{Subject: outcome.Subject, Status: ScanSuppressed, Reason: outcome.Reason}
	}
}

// RenderResults formats scan results the way replies are written: one
// "subject: value" line per answered term.
func RenderResults(results []ScanResult) string {
	var b strings.Builder
	for _, result := range results {
		switch result.Status {
		case ScanApplied, ScanQueried, ScanIntercepted:
			fmt.Fprintf(&b, "%s: %d\n", result.Subject, result.Value)
		}
	}
	return b.String()
}
