package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// maxLineSize bounds a single feed line; crawled pages can be large
const maxLineSize = 16 * 1024 * 1024

// Feed yields the documents of one sync run. Every call to Documents starts
// from the beginning, so a feed can be replayed on each run.
type Feed interface {
	Documents(ctx context.Context) ([]Document, error)
}

// StaticFeed is an in-memory feed
type StaticFeed []Document

// Documents returns a copy of the slice
func (f StaticFeed) Documents(context.Context) ([]Document, error) {
	out := make([]Document, len(f))
	copy(out, f)
	return out, nil
}

// FileFeed reads documents from a JSON Lines file, one object per line:
//
//	{"url": "https://...", "content": "TITLE:...\nCONTENT:...", "metadata": {"document_type": "..."}}
//
// Blank lines are ignored. Malformed lines and lines without a URL are
// logged and skipped so that one bad record does not stall the whole run.
type FileFeed struct {
	path   string
	filter *Filter
}

// FileFeedOption configures a FileFeed
type FileFeedOption func(*FileFeed)

// WithFilter restricts the feed to URLs accepted by filter
func WithFilter(filter *Filter) FileFeedOption {
	return func(f *FileFeed) {
		f.filter = filter
	}
}

// NewFileFeed creates a feed backed by the file at path
func NewFileFeed(path string, opts ...FileFeedOption) *FileFeed {
	f := &FileFeed{path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the feed file path
func (f *FileFeed) Path() string {
	return f.path
}

type feedRecord struct {
	URL      string         `json:"url"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// Documents reads the whole file. Duplicate URLs keep the last occurrence.
func (f *FileFeed) Documents(ctx context.Context) ([]Document, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed %s: %w", f.path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		docs     []Document
		index    = make(map[string]int)
		lineNo   int
		skipped  int
		filtered int
	)
	for scanner.Scan() {
		lineNo++
		if lineNo%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		doc, err := parseRecord(line)
		if err != nil {
			skipped++
			slog.Warn("Skipping malformed feed line", "path", f.path, "line", lineNo, "error", err)
			continue
		}

		if ok, reason := f.filter.ShouldInclude(doc.URL); !ok {
			filtered++
			slog.Debug("Document filtered out", "url", doc.URL, "reason", reason)
			continue
		}

		if i, dup := index[doc.URL]; dup {
			docs[i] = doc
			continue
		}
		index[doc.URL] = len(docs)
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed %s: %w", f.path, err)
	}

	slog.Debug("Feed loaded", "path", f.path, "documents", len(docs), "skipped", skipped, "filtered", filtered)
	return docs, nil
}

func parseRecord(line []byte) (Document, error) {
	var rec feedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Document{}, err
	}
	rec.URL = strings.TrimSpace(rec.URL)
	if rec.URL == "" {
		return Document{}, errors.New("record has no url")
	}

	doc := Document{URL: rec.URL, Content: rec.Content}
	if len(rec.Metadata) > 0 {
		doc.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			doc.Metadata[k] = metadataString(v)
		}
	}
	return doc, nil
}

// metadataString flattens a JSON metadata value. Lists become comma separated.
func metadataString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, metadataString(item))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
