// Package helpers provides fixtures for the kbsync integration tests
package helpers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onsi/gomega"
)

// TestToken is the API key the fake knowledge base accepts
const TestToken = "dataset-integration-token"

// FeedDocument is one line of a JSON Lines feed
type FeedDocument struct {
	URL      string         `json:"url"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateTestDocuments returns n documents with distinct URLs and content
func CreateTestDocuments(n int) []FeedDocument {
	docs := make([]FeedDocument, 0, n)
	for i := range n {
		docs = append(docs, FeedDocument{
			URL:     fmt.Sprintf("https://docs.example.com/guide/%d", i),
			Content: fmt.Sprintf("Guide %d\n\nStep-by-step instructions for part %d.", i, i),
			Metadata: map[string]any{
				"section": "guides",
				"tags":    []string{"setup", fmt.Sprintf("part-%d", i)},
			},
		})
	}
	return docs
}

// WriteFeed writes docs as JSON Lines to dir/feed.jsonl and returns the path
func WriteFeed(dir string, docs []FeedDocument) string {
	var b strings.Builder
	for _, d := range docs {
		line, err := json.Marshal(d)
		gomega.Expect(err).NotTo(gomega.HaveOccurred())
		b.Write(line)
		b.WriteByte('\n')
	}

	path := filepath.Join(dir, "feed.jsonl")
	gomega.Expect(os.WriteFile(path, []byte(b.String()), 0600)).To(gomega.Succeed())
	return path
}

// ConfigOptions describes a test configuration file
type ConfigOptions struct {
	BaseURL  string
	Datasets []string
	Strategy string
	Feed     string
	Interval time.Duration
	Watch    bool
}

// WriteConfigYAML writes a configuration with fast retries to dir/config.yaml
func WriteConfigYAML(dir string, opts ConfigOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "targets:\n  baseURL: %s\n  apiKey: %s\n", opts.BaseURL, TestToken)
	if opts.Strategy != "" {
		fmt.Fprintf(&b, "  strategy: %s\n", opts.Strategy)
	}
	b.WriteString("  availabilityTTL: 1ms\n  datasets:\n")
	for _, id := range opts.Datasets {
		fmt.Fprintf(&b, "    - id: %s\n", id)
	}
	b.WriteString(`retry:
  maxAttempts: 3
  baseDelay: 1ms
  maxDelay: 10ms
  failureThreshold: 3
  recoveryTimeout: 50ms
`)
	fmt.Fprintf(&b, "state:\n  path: %s\n", filepath.Join(dir, "state", "sync_state.json"))
	fmt.Fprintf(&b, "sync:\n  feed: %s\n  statusFile: %s\n", opts.Feed, filepath.Join(dir, "status.json"))
	if opts.Interval > 0 {
		fmt.Fprintf(&b, "  interval: %s\n", opts.Interval)
	}
	if opts.Watch {
		b.WriteString("  watch: true\n")
	}

	path := filepath.Join(dir, "config.yaml")
	gomega.Expect(os.WriteFile(path, []byte(b.String()), 0600)).To(gomega.Succeed())
	return path
}

// StatePath returns the state file used by configurations written to dir
func StatePath(dir string) string {
	return filepath.Join(dir, "state", "sync_state.json")
}
