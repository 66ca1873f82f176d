package dify_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/kbsync/internal/dify"
	"github.com/stacklok/kbsync/internal/dify/difytest"
	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/sync"
)

const testToken = "dataset-test-token"

func newClient(t *testing.T, srv *difytest.Server) *dify.Client {
	t.Helper()
	c, err := dify.NewClient(dify.Config{BaseURL: srv.URL, APIKey: testToken, DocLanguage: "English"})
	require.NoError(t, err)
	return c
}

func request(url, content string) *sync.DocumentRequest {
	return &sync.DocumentRequest{
		Name:         "Doc " + url,
		Text:         content,
		URL:          url,
		Fingerprint:  sync.Fingerprint(content),
		DocumentType: "Installation guide",
	}
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     dify.Config
		wantErr string
	}{
		{name: "missing key", cfg: dify.Config{BaseURL: "http://localhost"}, wantErr: "API key is required"},
		{name: "bad url", cfg: dify.Config{BaseURL: "not a url", APIKey: "k"}, wantErr: "invalid dify base URL"},
		{name: "default url", cfg: dify.Config{APIKey: "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := dify.NewClient(tt.cfg)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, c)
		})
	}
}

func TestClient_Probe(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	c := newClient(t, srv)

	ok, err := c.Probe(context.Background(), "kb1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Product docs", c.DatasetName("kb1"))

	ok, err = c.Probe(context.Background(), "missing")
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, retry.ReasonClientError, retry.ReasonOf(err))
}

func TestClient_Probe_Unauthorized(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	c, err := dify.NewClient(dify.Config{BaseURL: srv.URL, APIKey: "wrong"})
	require.NoError(t, err)

	_, err = c.Probe(context.Background(), "kb1")
	require.ErrorContains(t, err, "HTTP 401")
}

func TestClient_CreateFindAndFingerprint(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	c := newClient(t, srv)
	ctx := context.Background()

	req := request("https://docs.example.com/a", "hello")
	id, err := c.Create(ctx, "kb1", req)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	docs := srv.Documents("kb1")
	require.Len(t, docs, 1)
	assert.Equal(t, req.Name, docs[0].Name)
	assert.Equal(t, "hello", docs[0].Text)
	assert.Equal(t, map[string]string{
		"url":          req.URL,
		"content_hash": req.Fingerprint,
		"doc_type":     dify.DocTypeOperation,
	}, docs[0].Metadata)

	// indexing settings come from the dataset
	assert.Equal(t, "economy", docs[0].Request["indexing_technique"])
	assert.Equal(t, "text_model", docs[0].Request["doc_form"])
	assert.Equal(t, "English", docs[0].Request["doc_language"])
	assert.Equal(t, map[string]any{"mode": "automatic"}, docs[0].Request["process_rule"])
	assert.NotNil(t, docs[0].Request["retrieval_model"])

	found, err := c.FindByURL(ctx, "kb1", req.URL)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id, found.ID)
	assert.Equal(t, req.Fingerprint, found.Fingerprint)

	fp, err := c.GetFingerprint(ctx, "kb1", id)
	require.NoError(t, err)
	assert.Equal(t, req.Fingerprint, fp)

	missing, err := c.FindByURL(ctx, "kb1", "https://docs.example.com/none")
	require.NoError(t, err)
	assert.Nil(t, missing)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DocumentsCreated)
	assert.Equal(t, int64(1), stats.MetadataWrites)
	assert.Positive(t, stats.APICalls)
}

func TestClient_FindByURL_Paginates(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	for i := range 120 {
		srv.PutDocument("kb1", difytest.Document{
			ID:       fmt.Sprintf("seed-%d", i),
			Name:     fmt.Sprintf("seed %d", i),
			Metadata: map[string]string{"url": fmt.Sprintf("https://docs.example.com/%d", i)},
		})
	}

	c := newClient(t, srv)

	found, err := c.FindByURL(context.Background(), "kb1", "https://docs.example.com/117")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "seed-117", found.ID)
	assert.Empty(t, found.Fingerprint)
	assert.Equal(t, 3, srv.Calls("list"))

	none, err := c.FindByURL(context.Background(), "kb1", "https://docs.example.com/999")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.Equal(t, 6, srv.Calls("list"))
}

func TestClient_UpdateAndDelete(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	c := newClient(t, srv)
	ctx := context.Background()

	id, err := c.Create(ctx, "kb1", request("https://docs.example.com/a", "v1"))
	require.NoError(t, err)

	v2 := request("https://docs.example.com/a", "v2")
	v2.DocumentType = "overview"
	require.NoError(t, c.Update(ctx, "kb1", id, v2))

	docs := srv.Documents("kb1")
	require.Len(t, docs, 1)
	assert.Equal(t, "v2", docs[0].Text)
	assert.Equal(t, v2.Fingerprint, docs[0].Metadata["content_hash"])
	assert.Equal(t, dify.DocTypeOverview, docs[0].Metadata["doc_type"])
	assert.NotContains(t, docs[0].Request, "indexing_technique")

	require.NoError(t, c.Delete(ctx, "kb1", id))
	assert.Empty(t, srv.Documents("kb1"))

	err = c.Update(ctx, "kb1", id, v2)
	require.ErrorIs(t, err, sync.ErrDocumentNotFound)
	assert.Equal(t, retry.ReasonClientError, retry.ReasonOf(err))

	err = c.Delete(ctx, "kb1", id)
	require.ErrorIs(t, err, sync.ErrDocumentNotFound)

	_, err = c.GetFingerprint(ctx, "kb1", id)
	require.ErrorIs(t, err, sync.ErrDocumentNotFound)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.DocumentsUpdated)
	assert.Equal(t, int64(1), stats.DocumentsDeleted)
}

func TestClient_CreateRequiresMetadataFields(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs", "url")

	c := newClient(t, srv)

	_, err := c.Create(context.Background(), "kb1", request("https://docs.example.com/a", "x"))
	require.ErrorIs(t, err, dify.ErrMetadataFieldsMissing)
	assert.Equal(t, retry.ReasonClientError, retry.ReasonOf(err))
	assert.Contains(t, err.Error(), "content_hash")
	assert.Zero(t, srv.Calls("create"))

	missing, err := c.MissingMetadataFields(context.Background(), "kb1")
	require.NoError(t, err)
	assert.Equal(t, []string{"content_hash", "doc_type"}, missing)
}

func TestClient_MetadataFieldsCached(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")

	c := newClient(t, srv)
	ctx := context.Background()

	for i := range 3 {
		_, err := c.Create(ctx, "kb1", request(fmt.Sprintf("https://docs.example.com/%d", i), "x"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, srv.Calls("metadata"))
	assert.Equal(t, 1, srv.Calls("probe"))
}

func TestClient_CreateRollsBackOnMetadataFailure(t *testing.T) {
	t.Parallel()

	srv := difytest.NewServer(testToken)
	defer srv.Close()
	srv.AddDataset("kb1", "Product docs")
	srv.FailNext("set_metadata", http.StatusInternalServerError)

	c := newClient(t, srv)

	_, err := c.Create(context.Background(), "kb1", request("https://docs.example.com/a", "x"))
	require.Error(t, err)
	assert.Equal(t, retry.ReasonServerError, retry.ReasonOf(err))
	assert.Equal(t, 1, srv.Calls("delete"))
	assert.Empty(t, srv.Documents("kb1"))
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		reason retry.Reason
	}{
		{status: http.StatusTooManyRequests, reason: retry.ReasonRateLimited},
		{status: http.StatusBadGateway, reason: retry.ReasonTransientUpstream},
		{status: http.StatusInternalServerError, reason: retry.ReasonServerError},
		{status: http.StatusBadRequest, reason: retry.ReasonClientError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			srv := difytest.NewServer(testToken)
			defer srv.Close()
			srv.AddDataset("kb1", "Product docs")
			srv.FailNext("list", tt.status)

			c := newClient(t, srv)
			_, err := c.FindByURL(context.Background(), "kb1", "https://docs.example.com/a")
			require.Error(t, err)
			assert.Equal(t, tt.reason, retry.ReasonOf(err))
			assert.Equal(t, int64(1), c.Stats().APIErrors)
		})
	}
}

func TestNormalizeDocType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: dify.DocTypeOverview},
		{in: "overview", want: dify.DocTypeOverview},
		{in: "Product description", want: dify.DocTypeOverview},
		{in: "Installation Guide", want: dify.DocTypeOperation},
		{in: "TUTORIAL", want: dify.DocTypeOperation},
		{in: "step by step", want: dify.DocTypeOperation},
		{in: "操作类文档", want: dify.DocTypeOperation},
		{in: "如何配置", want: dify.DocTypeOperation},
		{in: "概述类文档", want: dify.DocTypeOverview},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, dify.NormalizeDocType(tt.in))
		})
	}
}
