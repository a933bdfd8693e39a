package identity

import (
	"regexp"
	"strings"
)

// Responder is a capability handed to ledger operations for user-facing
// replies. Each transport implements it against its own delivery mechanism.
type Responder interface {
	Notify(text string)
}

// Resolver converts a transport-specific user reference into a canonical
// identity string. Implementations live with the transport adapters.
type Resolver interface {
	ResolveUser(reference string) (string, error)
}

// Receipt describes where a delivered message landed.
type Receipt struct {
	Channel   string
	ThreadID  string
	Permalink string
}

// Transport delivers content to a chat destination and reports where it
// landed. Implemented by the transport adapters, consumed by the archive.
type Transport interface {
	Deliver(content string) (Receipt, error)
}

var (
	// ChannelReferencePattern matches an embedded channel reference.
	ChannelReferencePattern = regexp.MustCompile(`<#([A-Za-z0-9]+)(\|[^>]*)?>`)
	// UserReferencePattern matches an embedded user reference.
	UserReferencePattern = regexp.MustCompile(`<@([A-Za-z0-9]+)(\|[^>]*)?>`)

	mailtoPattern   = regexp.MustCompile(`^<mailto:([\-\.\+\w]+@[\.\w]+)\|([\-\.\+\w]+@[\.\w]+)>$`)
	bareAddressForm = regexp.MustCompile(`^[\-\.\w]+@[\.\w]+$`)
)

// Canonicalizer strips configured home domains so that the same person is a
// single ledger key across qualified and unqualified forms.
type Canonicalizer struct {
	homeDomains []string
}

// NewCanonicalizer builds a Canonicalizer for the provided home domains.
// Domains are compared case-insensitively.
func NewCanonicalizer(homeDomains []string) *Canonicalizer {
	normalized := make([]string, 0, len(homeDomains))
	for _, domain := range homeDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			normalized = append(normalized, domain)
		}
	}
	return &Canonicalizer{homeDomains: normalized}
}

// Canonical reduces qualified identifiers on a home domain to their local
// part. Anything else passes through with surrounding whitespace removed.
func (c *Canonicalizer) Canonical(id string) string {
	name := strings.TrimSpace(id)
	at := strings.LastIndex(name, "@")
	if at <= 0 {
		return name
	}
	domain := strings.ToLower(name[at+1:])
	for _, home := range c.homeDomains {
		if domain == home {
			return name[:at]
		}
	}
	return name
}

// LooksLikeAddress reports whether the value still reads as an email address
// after canonicalization.
func LooksLikeAddress(value string) bool {
	return bareAddressForm.MatchString(value)
}

// StripMailto removes transport auto-link wrapping from an address, returning
// the bare address when the display text matches the link target.
func StripMailto(value string) string {
	m := mailtoPattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	if m[1] != m[2] {
		return value
	}
	return m[1]
}

// Privileged answers whether an actor appears on the maintainer list.
// Comparison is on full qualified identifiers, matching how maintainers are
// configured.
type Privileged struct {
	maintainers map[string]struct{}
}

// NewPrivileged builds the maintainer set.
func NewPrivileged(maintainers []string) *Privileged {
	set := make(map[string]struct{}, len(maintainers))
	for _, maintainer := range maintainers {
		maintainer = strings.TrimSpace(maintainer)
		if maintainer != "" {
			set[maintainer] = struct{}{}
		}
	}
	return &Privileged{maintainers: set}
}

// IsPrivileged reports whether the fully qualified actor is a maintainer.
func (p *Privileged) IsPrivileged(actor string) bool {
	_, ok := p.maintainers[strings.TrimSpace(actor)]
	return ok
}

// ResponderFunc adapts a plain function to the Responder interface.
type ResponderFunc func(text string)

// Notify implements Responder.
func (f ResponderFunc) Notify(text string) {
	f(text)
}
