package llmgateway

import (
	"errors"
	"testing"
	"time"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("unexpected status 429"), true},
		{errors.New("unexpected status 500"), true},
		{errors.New("unexpected status 529: overloaded"), true},
		{errors.New("connection reset by peer"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("unexpected status 401: invalid api key"), false},
		{errors.New("unexpected status 400: bad request"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestStripMarkdownFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":   `{"a":1}`,
		"```\n{\"a\":1}\n```":       `{"a":1}`,
		`{"a":1}`:                   `{"a":1}`,
		"  ```json\n{\"a\":1}\n``` ": `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripMarkdownFences(in); got != want {
			t.Errorf("stripMarkdownFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJitteredDelayStaysWithinBounds(t *testing.T) {
	for attempt := 0; attempt < 3; attempt++ {
		min := baseDelay * time.Duration(1<<attempt)
		max := min + min/2
		for i := 0; i < 20; i++ {
			d := jitteredDelay(attempt)
			if d < min || d > max {
				t.Errorf("jitteredDelay(%d) = %v, want within [%v, %v]", attempt, d, min, max)
			}
		}
	}
}
