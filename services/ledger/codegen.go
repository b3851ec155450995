package ledger

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gosimple/slug"
)

const (
	codeCharset       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeFallback      = "REF"
	codeMaxPrefix     = 6
	codeMinPrefix     = 2
	defaultSuffixLen  = 4
	defaultCodeTrials = 5
)

// CodeGenerator produces human-readable referral codes: an uppercase prefix
// derived from a seed followed by a random alphanumeric suffix.
type CodeGenerator struct {
	MaxAttempts  int
	SuffixLength int
	Rand         io.Reader
}

// NewCodeGenerator returns a generator using crypto/rand.
func NewCodeGenerator(maxAttempts, suffixLength int) *CodeGenerator {
	if maxAttempts <= 0 {
		maxAttempts = defaultCodeTrials
	}
	if suffixLength <= 0 {
		suffixLength = defaultSuffixLen
	}
	return &CodeGenerator{MaxAttempts: maxAttempts, SuffixLength: suffixLength, Rand: rand.Reader}
}

// Generate returns a code that taken reports as free. It gives up with
// ErrCodeGenerationExhausted after MaxAttempts collisions.
func (g *CodeGenerator) Generate(ctx context.Context, seed string, taken func(context.Context, string) (bool, error)) (string, error) {
	prefix := CodePrefix(seed)
	for attempt := 0; attempt < g.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		suffix, err := g.suffix()
		if err != nil {
			return "", fmt.Errorf("random suffix: %w", err)
		}
		code := prefix + suffix
		used, err := taken(ctx, code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
	return "", ErrCodeGenerationExhausted
}

func (g *CodeGenerator) suffix() (string, error) {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, g.SuffixLength)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = codeCharset[int(buf[i])%len(codeCharset)]
	}
	return string(buf), nil
}

// CodePrefix normalizes seed to at most six uppercase letters and digits,
// falling back to REF when fewer than two usable characters remain.
func CodePrefix(seed string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(slug.Make(seed)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == codeMaxPrefix {
				break
			}
		}
	}
	if b.Len() < codeMinPrefix {
		return codeFallback
	}
	return b.String()
}

// SignupURL renders the signup link for code under baseURL.
func SignupURL(baseURL, code string) string {
	return strings.TrimRight(baseURL, "/") + "/signup?ref=" + url.QueryEscape(code)
}
