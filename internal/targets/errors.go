package targets

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoTargets matches every *NoTargetsError through errors.Is
var ErrNoTargets = errors.New("no target available")

// NoTargetsReason explains why no target could be selected
type NoTargetsReason string

const (
	// ReasonNoneConfigured means the configuration lists no targets
	ReasonNoneConfigured NoTargetsReason = "none_configured"
	// ReasonAllDisabled means every configured target is explicitly disabled
	ReasonAllDisabled NoTargetsReason = "all_disabled"
	// ReasonAllUnreachable means enabled targets exist but none passed its probe
	ReasonAllUnreachable NoTargetsReason = "all_unreachable"
)

// NoTargetsError is returned by Select when no target can receive documents
type NoTargetsError struct {
	Reason  NoTargetsReason
	Targets []Target
}

// Error implements the error interface with an actionable message
func (e *NoTargetsError) Error() string {
	switch e.Reason {
	case ReasonNoneConfigured:
		return "no target collections configured: add at least one dataset under targets.datasets " +
			"or set KBSYNC_DATASET_IDS"
	case ReasonAllDisabled:
		return fmt.Sprintf("all %d configured target collections are disabled: "+
			"set disabled: false on at least one dataset", len(e.Targets))
	default:
		var details []string
		for _, t := range e.Targets {
			if t.Disabled {
				continue
			}
			msg := t.LastError
			if msg == "" {
				msg = "not available"
			}
			details = append(details, fmt.Sprintf("%s: %s", t.Name(), msg))
		}
		return fmt.Sprintf("all enabled target collections are unreachable (%s): "+
			"check the API key, base URL and dataset IDs, or run 'kbsync check'",
			strings.Join(details, "; "))
	}
}

// Is lets errors.Is(err, ErrNoTargets) match
func (*NoTargetsError) Is(target error) bool {
	return target == ErrNoTargets
}
