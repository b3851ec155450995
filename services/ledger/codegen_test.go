package ledger

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"testing"
)

func TestCodePrefix(t *testing.T) {
	tests := []struct {
		seed string
		want string
	}{
		{"Alice", "ALICE"},
		{"Jean-Luc Picard", "JEANLU"},
		{"Zoë", "ZOE"},
		{"  ", "REF"},
		{"x", "REF"},
		{"!!!", "REF"},
		{"r2d2", "R2D2"},
	}

	for _, tt := range tests {
		t.Run(tt.seed, func(t *testing.T) {
			if got := CodePrefix(tt.seed); got != tt.want {
				t.Fatalf("CodePrefix(%q) = %q, want %q", tt.seed, got, tt.want)
			}
		})
	}
}

func TestGenerateShape(t *testing.T) {
	g := NewCodeGenerator(5, 4)
	pattern := regexp.MustCompile(`^[A-Z0-9]{6,10}$`)

	for _, seed := range []string{"", "Alice", "Bartholomew"} {
		code, err := g.Generate(context.Background(), seed, func(context.Context, string) (bool, error) {
			return false, nil
		})
		if err != nil {
			t.Fatalf("Generate(%q) error = %v", seed, err)
		}
		if !pattern.MatchString(code) {
			t.Fatalf("Generate(%q) = %q, does not match %s", seed, code, pattern)
		}
	}
}

func TestGenerateRetriesCollisions(t *testing.T) {
	g := NewCodeGenerator(3, 4)
	// deterministic suffixes: AAAA, BBBB, CCCC
	g.Rand = bytes.NewReader([]byte{0, 0, 0, 0, 1, 1, 1, 1, 2, 2, 2, 2})

	var tried []string
	code, err := g.Generate(context.Background(), "Alice", func(_ context.Context, c string) (bool, error) {
		tried = append(tried, c)
		return len(tried) < 3, nil
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if code != "ALICECCCC" {
		t.Fatalf("Generate() = %q, want ALICECCCC", code)
	}
	if len(tried) != 3 {
		t.Fatalf("tried %d codes, want 3", len(tried))
	}
}

func TestGenerateExhausted(t *testing.T) {
	g := NewCodeGenerator(2, 4)
	calls := 0
	_, err := g.Generate(context.Background(), "Alice", func(context.Context, string) (bool, error) {
		calls++
		return true, nil
	})
	if !errors.Is(err, ErrCodeGenerationExhausted) {
		t.Fatalf("Generate() error = %v, want ErrCodeGenerationExhausted", err)
	}
	if calls != 2 {
		t.Fatalf("taken called %d times, want 2", calls)
	}
}

func TestSignupURL(t *testing.T) {
	got := SignupURL("https://app.example.com/", "ALICE7K2Q")
	if got != "https://app.example.com/signup?ref=ALICE7K2Q" {
		t.Fatalf("SignupURL() = %q", got)
	}
}
