package apps

import (
	"fmt"

	"github.com/gobwas/glob"
)

// IdentityRule maps a host identity pattern to the capabilities granted to
// sessions whose declared client name matches it. Patterns use glob syntax
// and are matched case-sensitively against Info.Name from the initialize
// handshake.
type IdentityRule struct {
	Pattern      string
	Capabilities SessionCapabilities
}

// Negotiator decides per-session capabilities from a host's declared identity.
// The decision is made once at session creation and never revisited; it
// affects instance resolution and output formatting only, never operation
// semantics.
type Negotiator struct {
	rules []compiledIdentityRule
}

type compiledIdentityRule struct {
	pattern glob.Glob
	caps    SessionCapabilities
}

// defaultIdentityRules covers the hosts we know about. Anything else falls
// through to the conservative default in Negotiate.
var defaultIdentityRules = []IdentityRule{
	{
		Pattern:      "chatgpt*",
		Capabilities: SessionCapabilities{SupportsMultiInstance: true, Dialect: DialectStructured},
	},
	{
		Pattern:      "openai*",
		Capabilities: SessionCapabilities{SupportsMultiInstance: true, Dialect: DialectStructured},
	},
	{
		Pattern:      "claude*",
		Capabilities: SessionCapabilities{SupportsMultiInstance: false, Dialect: DialectText},
	},
	{
		Pattern:      "anthropic*",
		Capabilities: SessionCapabilities{SupportsMultiInstance: false, Dialect: DialectText},
	},
}

// NewNegotiator creates a Negotiator from the given rules, consulted in order
// before the built-in defaults. Returns an error if a pattern does not compile.
func NewNegotiator(rules ...IdentityRule) (*Negotiator, error) {
	all := make([]IdentityRule, 0, len(rules)+len(defaultIdentityRules))
	all = append(all, rules...)
	all = append(all, defaultIdentityRules...)

	compiled := make([]compiledIdentityRule, 0, len(all))
	for _, r := range all {
		g, err := glob.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile identity pattern %q: %w", r.Pattern, err)
		}
		compiled = append(compiled, compiledIdentityRule{pattern: g, caps: r.Capabilities})
	}

	return &Negotiator{rules: compiled}, nil
}

// Negotiate returns the capabilities for the given host identity. Unknown
// identities get the most conservative behavior: no multi-instance support
// and a dialect that emits every output representation, so a host we have
// never seen still receives something it can consume.
func (n *Negotiator) Negotiate(clientIdentity string) SessionCapabilities {
	for _, r := range n.rules {
		if r.pattern.Match(clientIdentity) {
			return r.caps
		}
	}
	return SessionCapabilities{
		SupportsMultiInstance: false,
		Dialect:               DialectBoth,
	}
}
