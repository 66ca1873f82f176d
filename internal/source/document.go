// Package source provides the document feed consumed by the sync engine: a
// JSON Lines file of crawled documents, URL filtering and a file watcher
// that triggers a sync when the feed changes.
package source

import (
	"fmt"
	"strings"
)

const (
	// MetadataDocumentType is the metadata key carrying the classification tag
	MetadataDocumentType = "document_type"
	// MetadataProductID is the metadata key of the product the page belongs to
	MetadataProductID = "product_id"
	// MetadataDifficulty is the metadata key of the difficulty level
	MetadataDifficulty = "difficulty_level"
	// MetadataKeywords is the metadata key of the comma separated keyword list
	MetadataKeywords = "keywords"

	titlePrefix   = "TITLE:"
	contentPrefix = "CONTENT:"
)

// Document is one crawled page handed to the sync engine
type Document struct {
	URL      string            `json:"url"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DocumentType returns the classification tag, or the empty string
func (d *Document) DocumentType() string {
	if d.Metadata == nil {
		return ""
	}
	return d.Metadata[MetadataDocumentType]
}

// Split separates the title header from the body. Content of the form
// "TITLE:<title>\nCONTENT:<body>" yields (title, body); anything else yields
// a name derived from the metadata and the content unchanged.
func (d *Document) Split() (title, body string) {
	if t, b, ok := parseTitled(d.Content); ok {
		return t, b
	}
	return d.derivedName(), d.Content
}

func parseTitled(content string) (string, string, bool) {
	if !strings.HasPrefix(content, titlePrefix) {
		return "", "", false
	}
	first, rest, found := strings.Cut(content, "\n")
	if !found {
		return "", "", false
	}
	title := strings.TrimSpace(strings.TrimPrefix(first, titlePrefix))
	body := strings.TrimPrefix(rest, contentPrefix)
	if title == "" {
		return "", "", false
	}
	return title, body, true
}

// derivedName builds a readable name from the metadata, falling back to the URL
func (d *Document) derivedName() string {
	productID := d.Metadata[MetadataProductID]
	docType := d.Metadata[MetadataDocumentType]
	difficulty := d.Metadata[MetadataDifficulty]

	if productID == "" && docType == "" {
		return d.URL
	}
	if docType == "" {
		docType = "document"
	}

	name := docType
	if productID != "" {
		name = fmt.Sprintf("[%s] %s", productID, docType)
	}
	if difficulty != "" {
		name += fmt.Sprintf(" (%s)", difficulty)
	}
	if kw := firstKeywords(d.Metadata[MetadataKeywords], 3); kw != "" {
		name += " - " + kw
	}
	return name
}

func firstKeywords(list string, n int) string {
	if list == "" {
		return ""
	}
	var out []string
	for _, k := range strings.Split(list, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
		if len(out) == n {
			break
		}
	}
	return strings.Join(out, ", ")
}
