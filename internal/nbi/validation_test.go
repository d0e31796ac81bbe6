package nbi

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRunID(t *testing.T) {
	got, err := ValidateRunID("  2f1c-run  ")
	if err != nil || got != "2f1c-run" {
		t.Fatalf("ValidateRunID(padded) = %q, %v; want trimmed id", got, err)
	}

	tests := []struct {
		name string
		id   string
	}{
		{name: "empty", id: ""},
		{name: "blank", id: "   "},
		{name: "inner space", id: "run 1"},
		{name: "slash", id: "runs/1"},
		{name: "control", id: "run\x00"},
		{name: "too long", id: strings.Repeat("a", maxRunIDLength+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ValidateRunID(tc.id); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("ValidateRunID(%q) err = %v, want ErrInvalidRequest", tc.id, err)
			}
		})
	}
}
