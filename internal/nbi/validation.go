package nbi

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidRequest is returned for structurally invalid RPC requests.
var ErrInvalidRequest = errors.New("invalid request")

// maxRunIDLength bounds run IDs accepted from clients. Generated IDs are
// UUIDs.
const maxRunIDLength = 128

// ValidateRunID trims id and checks it is a plausible run identifier.
func ValidateRunID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if len(id) > maxRunIDLength {
		return "", fmt.Errorf("%w: run_id longer than %d bytes", ErrInvalidRequest, maxRunIDLength)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return "", fmt.Errorf("%w: run_id %q contains %q", ErrInvalidRequest, id, r)
		}
	}
	return id, nil
}
