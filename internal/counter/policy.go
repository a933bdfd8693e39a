package counter

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/internal/identity"
)

// RedirectInstruction replaces a reserved-subject mutation with a mutation
// of a per-actor derived subject. The driver applies it iteratively with a
// hard depth cap; redirected mutations bypass the rate window.
type RedirectInstruction struct {
	// SubjectSuffix is appended to the acting actor to derive the new subject.
	SubjectSuffix string
	Direction     Direction
	// Actor performs the redirected mutation (the bot itself by default).
	Actor string
}

// ReservedRule describes the behavior for one reserved subject name. Rules
// are data, not code: new reserved names are added to the table without
// touching the ledger mechanics.
type ReservedRule struct {
	// UpResponses / DownResponses are canned replies for each direction; when
	// several are present one is chosen at random. RespondChance gates the
	// reply as a percentage (zero means always).
	UpResponses       []string
	DownResponses     []string
	UpRespondChance   int
	DownRespondChance int
	// VetoUp / VetoDown suppress the mutation entirely for that direction.
	VetoUp   bool
	VetoDown bool
	// Redirect, when set, replaces the mutation in either direction.
	Redirect *RedirectInstruction
}

// Policy is the pre-mutation filter chain shared by the counter mutation
// path. It runs before the rate-limit check and before the ledger
// transaction opens; identity resolution is an external call and must never
// happen inside the transaction.
type Policy struct {
	botName  string
	reserved map[string]ReservedRule
	resolver identity.Resolver
	canon    *identity.Canonicalizer
	intN     func(n int) int
}

// NewPolicy builds the filter chain. The reserved table defaults to
// DefaultReservedRules(botName) when nil.
func NewPolicy(botName string, reserved map[string]ReservedRule, resolver identity.Resolver, canon *identity.Canonicalizer, intN func(n int) int) *Policy {
	if reserved == nil {
		reserved = DefaultReservedRules(botName)
	}
	if canon == nil {
		canon = identity.NewCanonicalizer(nil)
	}
	return &Policy{
		botName:  botName,
		reserved: reserved,
		resolver: resolver,
		canon:    canon,
		intN:     intN,
	}
}

// DefaultReservedRules returns the stock reserved-subject table for a bot
// name: the bot rejects insults, deflects questions about its age onto the
// asker, and reacts to being whapped.
func DefaultReservedRules(botName string) map[string]ReservedRule {
	return map[string]ReservedRule{
		botName: {
			UpResponses: []string{
				"Oooh. I just love it when you do that! :)\n\nWhat are you doing later, %s?",
			},
			DownResponses: []string{
				"Are YOU disrespecting me, %s? Huh? Are you?\nI think you are!",
			},
			VetoDown: true,
		},
		botName + ".age": {
			UpResponses: []string{
				"It's impolite to talk about a daemon's age.\nHow do you like it, %s?",
			},
			DownResponses: []string{
				"It's impolite to talk about a daemon's age.\nHow do you like it, %s?",
			},
			Redirect: &RedirectInstruction{
				SubjectSuffix: ".age",
				Direction:     DirectionUp,
				Actor:         botName,
			},
		},
		botName + ".whap": {
			UpResponses: []string{
				"Hey, that hurt, %s!",
				"You'd better watch out, %s.",
			},
			DownResponses: []string{
				"Thank you, %s. You will be spared...",
			},
			DownRespondChance: 50,
		},
	}
}

// plan is a policy-approved mutation ready for the ledger transaction.
type plan struct {
	subject      string
	direction    Direction
	actor        string
	exemptWindow bool
	// redirect carries a follow-up mutation derived by a reserved rule. The
	// follow-up target names the original actor, not the acting one.
	redirect *plan
}

// vetoError is a policy veto with a user-facing reason. It is an expected
// outcome, not a bug.
type vetoError struct {
	reason string
}

func (e *vetoError) Error() string {
	return e.reason
}

// Evaluate runs the filter chain in fixed order: self-target penalty,
// reserved-subject rules, foreign-identity resolution, cosmetic
// normalization. It returns the approved plan or a veto.
func (p *Policy) Evaluate(subject string, direction Direction, actor string, responder identity.Responder, depth int) (plan, error) {
	approved := plan{subject: subject, direction: direction, actor: actor}

	// Self-target penalty. The inverted mutation bypasses the window so the
	// penalty cannot be dodged by retrying inside the hour.
	if approved.subject == NormalizeSubject(actor) && approved.direction == DirectionUp {
		notify(responder, fmt.Sprintf("Whoa, loser trying to increment themselves.\nChanging to %s--", approved.subject))
		approved.direction = DirectionDown
		approved.exemptWindow = true
	}

	if rule, ok := p.reserved[approved.subject]; ok {
		if veto := p.applyReserved(rule, &approved, responder, depth); veto != nil {
			return plan{}, veto
		}
	}

	resolved, err := p.resolveForeignReferences(approved.subject)
	if err != nil {
		return plan{}, err
	}
	approved.subject = resolved

	approved.subject = identity.StripMailto(approved.subject)

	return approved, nil
}

func (p *Policy) applyReserved(rule ReservedRule, approved *plan, responder identity.Responder, depth int) error {
	responses := rule.UpResponses
	chance := rule.UpRespondChance
	veto := rule.VetoUp
	if approved.direction == DirectionDown {
		responses = rule.DownResponses
		chance = rule.DownRespondChance
		veto = rule.VetoDown
	}

	if len(responses) > 0 && (chance <= 0 || p.intN(100) < chance) {
		line := responses[0]
		if len(responses) > 1 {
			line = responses[p.intN(len(responses))]
		}
		notify(responder, fmt.Sprintf(line, approved.actor))
	}

	if veto {
		return &vetoError{reason: fmt.Sprintf("%s is off limits for %s", approved.subject, directionToken(approved.direction))}
	}

	if rule.Redirect != nil {
		if depth >= 1 {
			// Depth cap: a redirected mutation never redirects again.
			return &vetoError{reason: fmt.Sprintf("%s cannot be redirected further", approved.subject)}
		}
		actingActor := rule.Redirect.Actor
		if actingActor == "" {
			actingActor = p.botName
		}
		approved.redirect = &plan{
			subject:      NormalizeSubject(approved.actor) + rule.Redirect.SubjectSuffix,
			direction:    rule.Redirect.Direction,
			actor:        actingActor,
			exemptWindow: true,
		}
	}

	return nil
}

// FilterSubject runs only the foreign-identity and cosmetic steps, for
// query-only lookups that never mutate the ledger.
func (p *Policy) FilterSubject(subject string) (string, error) {
	resolved, err := p.resolveForeignReferences(subject)
	if err != nil {
		return "", err
	}
	return identity.StripMailto(resolved), nil
}

// resolveForeignReferences rejects channel references outright and converts
// embedded user references to canonical identities, vetoing when resolution
// fails. Runs entirely before the ledger transaction opens.
func (p *Policy) resolveForeignReferences(subject string) (string, error) {
	if m := identity.ChannelReferencePattern.FindStringSubmatch(subject); m != nil {
		return "", &vetoError{
			reason: fmt.Sprintf("the subject contains the channel reference %s, which is not supported; consider omitting the hash mark", strings.ToUpper(m[1])),
		}
	}

	for {
		loc := identity.UserReferencePattern.FindStringSubmatchIndex(subject)
		if loc == nil {
			return subject, nil
		}
		reference := subject[loc[2]:loc[3]]

		hint := "if this is a user, please use their canonical id"
		if p.resolver != nil {
			resolved, err := p.resolver.ResolveUser(reference)
			if err == nil && identity.LooksLikeAddress(resolved) {
				canonical := p.canon.Canonical(resolved)
				if !identity.LooksLikeAddress(canonical) {
					subject = subject[:loc[0]] + canonical + subject[loc[1]:]
					continue
				}
				hint = fmt.Sprintf("lookup returned %s, which does not look like a home account", resolved)
			} else if err != nil {
				hint = "the lookup failed"
			}
		}

		what := "the user reference"
		if loc[0] != 0 {
			what = "something containing the user reference"
		}
		return "", &vetoError{
			reason: fmt.Sprintf("it looks like you are targeting %s %s, which is not supported; %s", what, strings.ToUpper(reference), hint),
		}
	}
}

func directionToken(direction Direction) string {
	if direction == DirectionDown {
		return "--"
	}
	return "++"
}

func notify(responder identity.Responder, text string) {
	if responder != nil {
		responder.Notify(text)
	}
}
