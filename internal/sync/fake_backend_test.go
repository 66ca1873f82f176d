package sync_test

import (
	"context"
	"fmt"
	gosync "sync"

	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/sync"
)

type fakeRecord struct {
	id          string
	url         string
	name        string
	text        string
	fingerprint string
}

// fakeBackend is an in-memory knowledge base with per-target failure injection
type fakeBackend struct {
	mu      gosync.Mutex
	records map[string]map[string]*fakeRecord
	nextID  int
	calls   map[string]int

	unreachable map[string]bool
	failing     map[string]error
}

func newFakeBackend(targetIDs ...string) *fakeBackend {
	b := &fakeBackend{
		records:     make(map[string]map[string]*fakeRecord),
		calls:       make(map[string]int),
		unreachable: make(map[string]bool),
		failing:     make(map[string]error),
	}
	for _, id := range targetIDs {
		b.records[id] = make(map[string]*fakeRecord)
	}
	return b
}

func (b *fakeBackend) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *fakeBackend) recordCount(targetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[targetID])
}

func (b *fakeBackend) enter(method, targetID string) error {
	b.calls[method]++
	if err := b.failing[targetID]; err != nil && method != "Probe" {
		return err
	}
	if _, ok := b.records[targetID]; !ok {
		return notFound("dataset " + targetID)
	}
	return nil
}

func (b *fakeBackend) Probe(_ context.Context, targetID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Probe", targetID); err != nil {
		return false, err
	}
	if b.unreachable[targetID] {
		return false, fmt.Errorf("connection refused")
	}
	return true, nil
}

func (b *fakeBackend) FindByURL(_ context.Context, targetID, url string) (*sync.RemoteDocument, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("FindByURL", targetID); err != nil {
		return nil, err
	}
	for _, r := range b.records[targetID] {
		if r.url == url {
			return &sync.RemoteDocument{ID: r.id, Name: r.name, Fingerprint: r.fingerprint}, nil
		}
	}
	return nil, nil
}

func (b *fakeBackend) GetFingerprint(_ context.Context, targetID, documentID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetFingerprint", targetID); err != nil {
		return "", err
	}
	r, ok := b.records[targetID][documentID]
	if !ok {
		return "", notFound(documentID)
	}
	return r.fingerprint, nil
}

func (b *fakeBackend) Create(_ context.Context, targetID string, doc *sync.DocumentRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Create", targetID); err != nil {
		return "", err
	}
	b.nextID++
	id := fmt.Sprintf("doc-%d", b.nextID)
	b.records[targetID][id] = &fakeRecord{
		id: id, url: doc.URL, name: doc.Name, text: doc.Text, fingerprint: doc.Fingerprint,
	}
	return id, nil
}

func (b *fakeBackend) Update(_ context.Context, targetID, documentID string, doc *sync.DocumentRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Update", targetID); err != nil {
		return err
	}
	r, ok := b.records[targetID][documentID]
	if !ok {
		return notFound(documentID)
	}
	r.name, r.text, r.fingerprint = doc.Name, doc.Text, doc.Fingerprint
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, targetID, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("Delete", targetID); err != nil {
		return err
	}
	if _, ok := b.records[targetID][documentID]; !ok {
		return notFound(documentID)
	}
	delete(b.records[targetID], documentID)
	return nil
}

func notFound(what string) error {
	return retry.Classify(retry.ReasonClientError, fmt.Errorf("%s: %w", what, sync.ErrDocumentNotFound))
}
