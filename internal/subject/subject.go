// Package subject implements Relay's NATS-style subject matching: dot
// separated tokens, "*" matching exactly one token and ">" matching one or
// more trailing tokens. It is pure and stateless — no type here holds a
// reference to storage, network, or the clock.
package subject

import (
	"strings"

	"github.com/dorkos/relay/pkg/relayerr"
)

const (
	// MaxSubjectLength bounds a single subject or pattern string.
	MaxSubjectLength = 256
	// MaxTokens bounds the number of dot-separated tokens.
	MaxTokens = 64
)

// isTokenChar reports whether r is allowed inside a literal token:
// ASCII letters, digits, underscore and dash.
func isTokenChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

func isLiteralToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if !isTokenChar(r) {
			return false
		}
	}
	return true
}

func splitValidate(s string) ([]string, error) {
	if s == "" || len(s) > MaxSubjectLength {
		return nil, relayerr.ErrInvalidSubject
	}
	toks := strings.Split(s, ".")
	if len(toks) > MaxTokens {
		return nil, relayerr.ErrInvalidSubject
	}
	return toks, nil
}

// ValidateSubject reports whether s is a concrete, publishable subject:
// non-empty dot-separated literal tokens, no wildcards, no empty tokens.
func ValidateSubject(s string) error {
	toks, err := splitValidate(s)
	if err != nil {
		return err
	}
	for _, t := range toks {
		if !isLiteralToken(t) {
			return relayerr.ErrInvalidSubject
		}
	}
	return nil
}

// Pattern is a compiled subscription pattern, ready for repeated matching
// against candidate subjects.
type Pattern struct {
	tokens   []string
	tailAny  bool // true if the last token is ">"
	original string
}

// String returns the pattern text Pattern was compiled from.
func (p *Pattern) String() string { return p.original }

// CompilePattern validates and compiles a subscription pattern. Tokens may
// be literals, "*" (matches exactly one token) or ">" (matches one or more
// trailing tokens and may only appear as the final token).
func CompilePattern(s string) (*Pattern, error) {
	toks, err := splitValidate(s)
	if err != nil {
		return nil, err
	}
	tailAny := false
	for i, t := range toks {
		switch {
		case t == ">":
			if i != len(toks)-1 {
				return nil, relayerr.ErrInvalidSubject
			}
			tailAny = true
		case t == "*":
			// single-token wildcard, valid anywhere
		case isLiteralToken(t):
			// plain literal
		default:
			return nil, relayerr.ErrInvalidSubject
		}
	}
	return &Pattern{tokens: toks, tailAny: tailAny, original: s}, nil
}

// Matches reports whether subject satisfies the compiled pattern. subject
// is assumed to already be a valid concrete subject (callers that accept
// subjects from the outside should run ValidateSubject first).
func (p *Pattern) Matches(subject string) bool {
	subToks := strings.Split(subject, ".")

	if p.tailAny {
		// The pattern's literal/star prefix (everything before ">") must
		// match one-for-one, and at least one token must remain for ">"
		// to absorb.
		prefix := p.tokens[:len(p.tokens)-1]
		if len(subToks) < len(prefix)+1 {
			return false
		}
		for i, pt := range prefix {
			if pt != "*" && pt != subToks[i] {
				return false
			}
		}
		return true
	}

	if len(subToks) != len(p.tokens) {
		return false
	}
	for i, pt := range p.tokens {
		if pt != "*" && pt != subToks[i] {
			return false
		}
	}
	return true
}

// Matches compiles pattern and matches it against subject in one step. For
// repeated matching against the same pattern, prefer CompilePattern once
// and reuse the returned Pattern.
func Matches(pattern, subject string) (bool, error) {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	return p.Matches(subject), nil
}
