package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewPopulatesEnvelope(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("angelone", CodeNetwork,
		WithMessage("vendor socket closed"),
		WithRawCode("IE-5001"),
		WithRawMessage("stream interrupted"),
		WithCause(cause),
	)

	if err.Venue != "angelone" {
		t.Fatalf("venue = %q, want angelone", err.Venue)
	}
	if err.Code != CodeNetwork {
		t.Fatalf("code = %q, want %q", err.Code, CodeNetwork)
	}
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to unwrap")
	}

	msg := err.Error()
	for _, want := range []string{"venue=angelone", "code=network", `raw_code="IE-5001"`, "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestErrorNilReceiver(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("Error() = %q, want <nil>", got)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "direct", err: New("angelone", CodeAuth), want: CodeAuth},
		{name: "wrapped", err: fmt.Errorf("subscribe: %w", New("angelone", CodeCapacity)), want: CodeCapacity},
		{name: "plain", err: errors.New("boom"), want: Code("")},
		{name: "nil", err: nil, want: Code("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Fatalf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsTerminalAuth(t *testing.T) {
	if !IsTerminalAuth(New("angelone", CodeAuth, WithRawCode("IE-1002"))) {
		t.Fatal("auth envelope should be terminal")
	}
	if IsTerminalAuth(New("angelone", CodeNetwork)) {
		t.Fatal("network envelope should not be terminal")
	}
}
