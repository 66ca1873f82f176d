package sync

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks -source=types.go Backend

// ErrDocumentNotFound is returned by a Backend when a remote record does not exist
var ErrDocumentNotFound = errors.New("document not found")

// RemoteDocument is the remote record of a synced URL
type RemoteDocument struct {
	ID   string
	Name string
	// Fingerprint is the content fingerprint stored with the record, empty when unknown
	Fingerprint string
	Metadata    map[string]string
}

// DocumentRequest carries everything needed to create or update a remote record
type DocumentRequest struct {
	Name         string
	Text         string
	URL          string
	Fingerprint  string
	DocumentType string
	Metadata     map[string]string
}

// Backend is the remote knowledge-base API, addressed per target collection
type Backend interface {
	// Probe reports whether the target collection is reachable and usable
	Probe(ctx context.Context, targetID string) (bool, error)
	// FindByURL returns the record tagged with url, or nil when there is none
	FindByURL(ctx context.Context, targetID, url string) (*RemoteDocument, error)
	// GetFingerprint returns the fingerprint stored with a record, empty when it has none
	GetFingerprint(ctx context.Context, targetID, documentID string) (string, error)
	// Create stores a new record and returns its ID
	Create(ctx context.Context, targetID string, doc *DocumentRequest) (string, error)
	// Update replaces the content and metadata of a record
	Update(ctx context.Context, targetID, documentID string, doc *DocumentRequest) error
	// Delete removes a record
	Delete(ctx context.Context, targetID, documentID string) error
}

// Outcome is the result of syncing one document to one target
type Outcome string

const (
	// OutcomeCreated means no remote record existed and one was created
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated means the remote record was changed in place
	OutcomeUpdated Outcome = "updated"
	// OutcomeRecreated means the record vanished during update and was created again
	OutcomeRecreated Outcome = "recreated"
	// OutcomeSkipped means the remote fingerprint already matched
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the target could not be brought up to date
	OutcomeFailed Outcome = "failed"
)

// Succeeded reports whether the target holds the current content
func (o Outcome) Succeeded() bool {
	return o != OutcomeFailed && o != ""
}

// CommitPolicy controls when a multi-target result is committed to the state store
type CommitPolicy string

const (
	// CommitAny commits when at least one selected target succeeded
	CommitAny CommitPolicy = "any"
	// CommitAll commits only when every selected target succeeded
	CommitAll CommitPolicy = "all"
)

// TargetResult is the outcome for one target
type TargetResult struct {
	TargetID   string  `json:"target_id"`
	Outcome    Outcome `json:"outcome"`
	DocumentID string  `json:"document_id,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// DocumentResult aggregates the per-target outcomes of one document
type DocumentResult struct {
	URL         string         `json:"url"`
	Fingerprint string         `json:"fingerprint"`
	Changed     bool           `json:"changed"`
	Committed   bool           `json:"committed"`
	Targets     []TargetResult `json:"targets"`
}

// Outcome folds the per-target outcomes into one. A document counts as
// failed only when no target succeeded; otherwise the strongest mutation wins.
func (r *DocumentResult) Outcome() Outcome {
	best := OutcomeFailed
	rank := map[Outcome]int{OutcomeFailed: 0, OutcomeSkipped: 1, OutcomeUpdated: 2, OutcomeRecreated: 2, OutcomeCreated: 3}
	for _, t := range r.Targets {
		if rank[t.Outcome] > rank[best] {
			best = t.Outcome
		}
	}
	if best == OutcomeRecreated {
		return OutcomeUpdated
	}
	return best
}

// Succeeded counts the targets that hold the current content
func (r *DocumentResult) Succeeded() int {
	n := 0
	for _, t := range r.Targets {
		if t.Outcome.Succeeded() {
			n++
		}
	}
	return n
}
