package dify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/kbsync/internal/httpclient"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/sync"
)

const (
	// DefaultBaseURL is the hosted Dify API
	DefaultBaseURL = "https://api.dify.ai/v1"

	// DefaultDocLanguage is sent when a dataset does not define one
	DefaultDocLanguage = "中文"

	// pageSize is the listing page size used when searching by URL
	pageSize = 50

	// Metadata field names attached to every synced document
	FieldURL         = "url"
	FieldContentHash = "content_hash"
	FieldDocType     = "doc_type"
)

// RequiredMetadataFields are the metadata fields a dataset must define
var RequiredMetadataFields = []string{FieldURL, FieldContentHash, FieldDocType}

// ErrMetadataFieldsMissing is returned when a dataset lacks the url or content_hash field
var ErrMetadataFieldsMissing = errors.New("dataset is missing required metadata fields")

// Config holds the connection settings of a Client
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RateLimit   float64
	RateBurst   int
	DocLanguage string
}

// Stats counts client activity since creation
type Stats struct {
	APICalls         int64 `json:"api_calls"`
	APIErrors        int64 `json:"api_errors"`
	DocumentsCreated int64 `json:"documents_created"`
	DocumentsUpdated int64 `json:"documents_updated"`
	DocumentsDeleted int64 `json:"documents_deleted"`
	MetadataWrites   int64 `json:"metadata_writes"`
}

// datasetSettings are the indexing settings copied into create and update requests
type datasetSettings struct {
	Name              string
	IndexingTechnique string
	DocForm           string
	RetrievalModel    map[string]any
}

// Client talks to the Dify dataset API. It implements sync.Backend.
type Client struct {
	http        httpclient.Client
	baseURL     string
	docLanguage string

	mu       gosync.RWMutex
	fields   map[string]map[string]string
	settings map[string]*datasetSettings
	group    singleflight.Group

	apiCalls, apiErrors                atomic.Int64
	created, updated, deleted, mdWrite atomic.Int64
}

var _ sync.Backend = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the transport, mainly for tests
func WithHTTPClient(c httpclient.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// NewClient creates a Dify client
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("dify API key is required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid dify base URL %q: %w", cfg.BaseURL, err)
	}
	lang := cfg.DocLanguage
	if lang == "" {
		lang = DefaultDocLanguage
	}

	c := &Client{
		http: httpclient.NewDefaultClient(cfg.Timeout,
			httpclient.WithBearerToken(cfg.APIKey),
			httpclient.WithRateLimit(cfg.RateLimit, cfg.RateBurst)),
		baseURL:     base,
		docLanguage: lang,
		fields:      make(map[string]map[string]string),
		settings:    make(map[string]*datasetSettings),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Stats returns a snapshot of the client counters
func (c *Client) Stats() Stats {
	return Stats{
		APICalls:         c.apiCalls.Load(),
		APIErrors:        c.apiErrors.Load(),
		DocumentsCreated: c.created.Load(),
		DocumentsUpdated: c.updated.Load(),
		DocumentsDeleted: c.deleted.Load(),
		MetadataWrites:   c.mdWrite.Load(),
	}
}

func (c *Client) datasetURL(datasetID string, parts ...string) string {
	u := c.baseURL + "/datasets/" + url.PathEscape(datasetID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *Client) call(ctx context.Context, method, u string, body any) (gjson.Result, error) {
	c.apiCalls.Add(1)
	data, err := c.http.Do(ctx, method, u, body)
	if err != nil {
		c.apiErrors.Add(1)
		return gjson.Result{}, err
	}
	if len(data) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		c.apiErrors.Add(1)
		return gjson.Result{}, retry.Classify(retry.ReasonServerError,
			fmt.Errorf("invalid JSON response from %s %s", method, u))
	}
	return gjson.ParseBytes(data), nil
}

// Probe implements sync.Backend. It also caches the dataset indexing settings.
func (c *Client) Probe(ctx context.Context, datasetID string) (bool, error) {
	res, err := c.call(ctx, http.MethodGet, c.datasetURL(datasetID), nil)
	if err != nil {
		return false, fmt.Errorf("failed to get dataset %s: %w", datasetID, err)
	}
	if !res.Get("id").Exists() {
		return false, fmt.Errorf("dataset %s: response carries no id", datasetID)
	}
	c.storeSettings(datasetID, res)
	return true, nil
}

func (c *Client) storeSettings(datasetID string, res gjson.Result) {
	s := &datasetSettings{
		Name:              res.Get("name").String(),
		IndexingTechnique: res.Get("indexing_technique").String(),
		DocForm:           res.Get("doc_form").String(),
	}
	if rm, ok := res.Get("retrieval_model_dict").Value().(map[string]any); ok {
		s.RetrievalModel = rm
	}
	c.mu.Lock()
	c.settings[datasetID] = s
	c.mu.Unlock()
}

func (c *Client) settingsFor(ctx context.Context, datasetID string) (*datasetSettings, error) {
	c.mu.RLock()
	s, ok := c.settings[datasetID]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}
	if _, err, _ := c.group.Do("settings:"+datasetID, func() (any, error) {
		return c.Probe(ctx, datasetID)
	}); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings[datasetID], nil
}

// DatasetName returns the dataset display name learned from the last probe
func (c *Client) DatasetName(datasetID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.settings[datasetID]; ok {
		return s.Name
	}
	return ""
}

func metadataOf(doc gjson.Result) map[string]string {
	out := make(map[string]string)
	doc.Get("doc_metadata").ForEach(func(_, item gjson.Result) bool {
		if name := item.Get("name").String(); name != "" {
			out[name] = item.Get("value").String()
		}
		return true
	})
	return out
}

// FindByURL implements sync.Backend by paging through the dataset listing
func (c *Client) FindByURL(ctx context.Context, datasetID, docURL string) (*sync.RemoteDocument, error) {
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("limit", strconv.Itoa(pageSize))

		res, err := c.call(ctx, http.MethodGet, c.datasetURL(datasetID, "documents")+"?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents of %s: %w", datasetID, err)
		}

		docs := res.Get("data").Array()
		for _, d := range docs {
			md := metadataOf(d)
			if md[FieldURL] != docURL {
				continue
			}
			return &sync.RemoteDocument{
				ID:          d.Get("id").String(),
				Name:        d.Get("name").String(),
				Fingerprint: md[FieldContentHash],
				Metadata:    md,
			}, nil
		}

		hasMore := res.Get("has_more")
		if len(docs) == 0 || (hasMore.Exists() && !hasMore.Bool()) || (!hasMore.Exists() && len(docs) < pageSize) {
			return nil, nil
		}
	}
}

// GetFingerprint implements sync.Backend
func (c *Client) GetFingerprint(ctx context.Context, datasetID, documentID string) (string, error) {
	res, err := c.call(ctx, http.MethodGet, c.datasetURL(datasetID, "documents", url.PathEscape(documentID)), nil)
	if err != nil {
		return "", notFound(fmt.Errorf("failed to get document %s: %w", documentID, err))
	}
	return metadataOf(res)[FieldContentHash], nil
}

func (c *Client) documentBody(s *datasetSettings, doc *sync.DocumentRequest, withIndexing bool) map[string]any {
	docForm := s.DocForm
	if docForm == "" {
		docForm = "text_model"
	}
	body := map[string]any{
		"name":         doc.Name,
		"text":         doc.Text,
		"doc_form":     docForm,
		"doc_language": c.docLanguage,
		"process_rule": map[string]any{"mode": "automatic"},
	}
	if withIndexing {
		technique := s.IndexingTechnique
		if technique == "" {
			technique = "high_quality"
		}
		body["indexing_technique"] = technique
	}
	if s.RetrievalModel != nil {
		body["retrieval_model"] = s.RetrievalModel
	}
	return body
}

// Create implements sync.Backend. The document is removed again when its
// metadata cannot be attached, so an untagged record is never left behind.
func (c *Client) Create(ctx context.Context, datasetID string, doc *sync.DocumentRequest) (string, error) {
	fields, err := c.metadataFields(ctx, datasetID)
	if err != nil {
		return "", err
	}
	s, err := c.settingsFor(ctx, datasetID)
	if err != nil {
		return "", err
	}

	res, err := c.call(ctx, http.MethodPost, c.datasetURL(datasetID, "document", "create_by_text"),
		c.documentBody(s, doc, true))
	if err != nil {
		return "", fmt.Errorf("failed to create document %q: %w", doc.Name, err)
	}
	id := res.Get("document.id").String()
	if id == "" {
		return "", retry.Classify(retry.ReasonServerError,
			fmt.Errorf("create document %q: response carries no document id", doc.Name))
	}

	if err := c.setMetadata(ctx, datasetID, id, fields, doc); err != nil {
		if delErr := c.Delete(ctx, datasetID, id); delErr != nil && !errors.Is(delErr, sync.ErrDocumentNotFound) {
			slog.Warn("Failed to remove untagged document",
				"dataset", datasetID, "document_id", id, "error", delErr)
		}
		return "", err
	}

	c.created.Add(1)
	slog.Debug("Document created", "dataset", datasetID, "document_id", id, "url", doc.URL)
	return id, nil
}

// Update implements sync.Backend
func (c *Client) Update(ctx context.Context, datasetID, documentID string, doc *sync.DocumentRequest) error {
	fields, err := c.metadataFields(ctx, datasetID)
	if err != nil {
		return err
	}
	s, err := c.settingsFor(ctx, datasetID)
	if err != nil {
		return err
	}

	res, err := c.call(ctx, http.MethodPost,
		c.datasetURL(datasetID, "documents", url.PathEscape(documentID), "update_by_text"),
		c.documentBody(s, doc, false))
	if err != nil {
		return notFound(fmt.Errorf("failed to update document %s: %w", documentID, err))
	}
	if !res.Get("document").Exists() {
		return retry.Classify(retry.ReasonServerError,
			fmt.Errorf("update document %s: response carries no document", documentID))
	}

	if err := c.setMetadata(ctx, datasetID, documentID, fields, doc); err != nil {
		return err
	}
	c.updated.Add(1)
	return nil
}

// Delete implements sync.Backend
func (c *Client) Delete(ctx context.Context, datasetID, documentID string) error {
	if _, err := c.call(ctx, http.MethodDelete,
		c.datasetURL(datasetID, "documents", url.PathEscape(documentID)), nil); err != nil {
		return notFound(fmt.Errorf("failed to delete document %s: %w", documentID, err))
	}
	c.deleted.Add(1)
	return nil
}

// notFound marks 404 responses so that callers can match sync.ErrDocumentNotFound
func notFound(err error) error {
	if errors.Is(err, httpclient.ErrNotFound) {
		return fmt.Errorf("%w: %w", sync.ErrDocumentNotFound, err)
	}
	return err
}
