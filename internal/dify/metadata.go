package dify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/stacklok/kbsync/internal/retry"
	"github.com/stacklok/kbsync/internal/sync"
)

// metadataFields resolves the dataset's metadata field ids by name. The
// mapping is cached per dataset once it contains the required fields.
func (c *Client) metadataFields(ctx context.Context, datasetID string) (map[string]string, error) {
	c.mu.RLock()
	cached, ok := c.fields[datasetID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.group.Do("metadata:"+datasetID, func() (any, error) {
		res, err := c.call(ctx, http.MethodGet, c.datasetURL(datasetID, "metadata"), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get metadata fields of %s: %w", datasetID, err)
		}
		fields := make(map[string]string)
		res.Get("doc_metadata").ForEach(func(_, f gjson.Result) bool {
			fields[f.Get("name").String()] = f.Get("id").String()
			return true
		})
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	fields := v.(map[string]string)

	if missing := missingFrom(fields, FieldURL, FieldContentHash); len(missing) > 0 {
		return nil, retry.Classify(retry.ReasonClientError,
			fmt.Errorf("%w: dataset %s has no %v field; add them as string metadata in the dataset settings",
				ErrMetadataFieldsMissing, datasetID, missing))
	}

	c.mu.Lock()
	c.fields[datasetID] = fields
	c.mu.Unlock()
	return fields, nil
}

func missingFrom(fields map[string]string, names ...string) []string {
	var missing []string
	for _, n := range names {
		if fields[n] == "" {
			missing = append(missing, n)
		}
	}
	return missing
}

// MissingMetadataFields lists the required metadata fields the dataset lacks
func (c *Client) MissingMetadataFields(ctx context.Context, datasetID string) ([]string, error) {
	res, err := c.call(ctx, http.MethodGet, c.datasetURL(datasetID, "metadata"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata fields of %s: %w", datasetID, err)
	}
	fields := make(map[string]string)
	for _, f := range res.Get("doc_metadata").Array() {
		fields[f.Get("name").String()] = f.Get("id").String()
	}
	return missingFrom(fields, RequiredMetadataFields...), nil
}

type metadataItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type metadataOperation struct {
	DocumentID   string         `json:"document_id"`
	MetadataList []metadataItem `json:"metadata_list"`
}

// setMetadata writes url, content_hash and doc_type onto a document.
// doc_type is skipped when the dataset does not define it.
func (c *Client) setMetadata(ctx context.Context, datasetID, documentID string,
	fields map[string]string, doc *sync.DocumentRequest) error {
	values := []struct{ name, value string }{
		{FieldURL, doc.URL},
		{FieldContentHash, doc.Fingerprint},
		{FieldDocType, NormalizeDocType(doc.DocumentType)},
	}

	items := make([]metadataItem, 0, len(values))
	for _, v := range values {
		id, ok := fields[v.name]
		if !ok || v.value == "" {
			continue
		}
		items = append(items, metadataItem{ID: id, Name: v.name, Value: v.value})
	}

	body := map[string]any{
		"operation_data": []metadataOperation{{DocumentID: documentID, MetadataList: items}},
	}
	res, err := c.call(ctx, http.MethodPost, c.datasetURL(datasetID, "documents", "metadata"), body)
	if err != nil {
		return fmt.Errorf("failed to set metadata of document %s: %w", documentID, err)
	}
	if r := res.Get("result"); r.Exists() && r.String() != "success" {
		return retry.Classify(retry.ReasonServerError,
			fmt.Errorf("set metadata of document %s: result %q", documentID, r.String()))
	}
	c.mdWrite.Add(1)
	return nil
}
