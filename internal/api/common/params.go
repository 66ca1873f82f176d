package common

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"

	"github.com/go-chi/chi/v5"
)

// TargetIDParam is the route parameter holding a target ID
const TargetIDParam = "id"

// ErrInvalidTargetID is returned for malformed target IDs
var ErrInvalidTargetID = errors.New("invalid target id")

// Dataset IDs are UUIDs in practice; configured IDs may also use dots, colons and slashes.
var targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:/-]{0,127}$`)

// TargetID returns the decoded target ID of the request
func TargetID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, TargetIDParam)
	id, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad encoding in %q", ErrInvalidTargetID, raw)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTargetID)
	}
	if !targetIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTargetID, id)
	}
	return id, nil
}
