// Package difytest provides an in-memory Dify dataset API for tests
package difytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
)

// Document is a stored document of the fake server
type Document struct {
	ID       string
	Name     string
	Text     string
	Metadata map[string]string
	Request  map[string]any
}

type dataset struct {
	name   string
	fields map[string]string
	docs   map[string]*Document
	order  []string
}

// Server is a fake Dify API backed by an httptest.Server
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	token    string
	datasets map[string]*dataset
	nextID   int
	calls    map[string]int
	failures map[string][]int
}

// NewServer starts a fake server accepting the given bearer token
func NewServer(token string) *Server {
	s := &Server{
		token:    token,
		datasets: make(map[string]*dataset),
		calls:    make(map[string]int),
		failures: make(map[string][]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /datasets/{ds}", s.handle("probe", s.getDataset))
	mux.HandleFunc("GET /datasets/{ds}/metadata", s.handle("metadata", s.getMetadata))
	mux.HandleFunc("GET /datasets/{ds}/documents", s.handle("list", s.listDocuments))
	mux.HandleFunc("GET /datasets/{ds}/documents/{doc}", s.handle("get", s.getDocument))
	mux.HandleFunc("POST /datasets/{ds}/document/create_by_text", s.handle("create", s.createDocument))
	mux.HandleFunc("POST /datasets/{ds}/documents/{doc}/update_by_text", s.handle("update", s.updateDocument))
	mux.HandleFunc("POST /datasets/{ds}/documents/metadata", s.handle("set_metadata", s.setMetadata))
	mux.HandleFunc("DELETE /datasets/{ds}/documents/{doc}", s.handle("delete", s.deleteDocument))

	s.Server = httptest.NewServer(mux)
	s.Config.SetKeepAlivesEnabled(false)
	return s
}

// AddDataset registers a dataset. Without fields it gets url, content_hash and doc_type.
func (s *Server) AddDataset(id, name string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(fields) == 0 {
		fields = []string{"url", "content_hash", "doc_type"}
	}
	ds := &dataset{name: name, fields: make(map[string]string), docs: make(map[string]*Document)}
	for i, f := range fields {
		ds.fields[f] = fmt.Sprintf("%s-field-%d", id, i)
	}
	s.datasets[id] = ds
}

// RemoveDataset makes every call against the dataset return 404
func (s *Server) RemoveDataset(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.datasets, id)
}

// FailNext makes the next calls of op ("create", "update", ...) answer with the given statuses
func (s *Server) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// Calls returns how many requests of op were received
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Documents returns the documents of a dataset in creation order
func (s *Server) Documents(datasetID string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[datasetID]
	if !ok {
		return nil
	}
	out := make([]Document, 0, len(ds.order))
	for _, id := range ds.order {
		if d, ok := ds.docs[id]; ok {
			out = append(out, *d)
		}
	}
	return out
}

// PutDocument stores a document directly, bypassing the API
func (s *Server) PutDocument(datasetID string, doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.datasets[datasetID]
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	ds.docs[doc.ID] = &doc
	ds.order = append(ds.order, doc.ID)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, ds *dataset)

func (s *Server) handle(op string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls[op]++

		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "unauthorized"})
			return
		}
		if queue := s.failures[op]; len(queue) > 0 {
			s.failures[op] = queue[1:]
			writeJSON(w, queue[0], map[string]any{"code": "injected", "status": queue[0]})
			return
		}
		ds, ok := s.datasets[r.PathValue("ds")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"code": "dataset_not_found"})
			return
		}
		fn(w, r, ds)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (*Server) getDataset(w http.ResponseWriter, r *http.Request, ds *dataset) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":                 r.PathValue("ds"),
		"name":               ds.name,
		"indexing_technique": "economy",
		"doc_form":           "text_model",
		"retrieval_model_dict": map[string]any{
			"search_method": "semantic_search",
			"top_k":         3,
		},
	})
}

func (*Server) getMetadata(w http.ResponseWriter, _ *http.Request, ds *dataset) {
	names := make([]string, 0, len(ds.fields))
	for n := range ds.fields {
		names = append(names, n)
	}
	sort.Strings(names)
	fields := make([]map[string]any, 0, len(names))
	for _, n := range names {
		fields = append(fields, map[string]any{"id": ds.fields[n], "name": n, "type": "string"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc_metadata": fields})
}

func docJSON(d *Document) map[string]any {
	md := make([]map[string]any, 0, len(d.Metadata))
	keys := make([]string, 0, len(d.Metadata))
	for k := range d.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		md = append(md, map[string]any{"name": k, "value": d.Metadata[k]})
	}
	return map[string]any{"id": d.ID, "name": d.Name, "doc_metadata": md}
}

func (*Server) listDocuments(w http.ResponseWriter, r *http.Request, ds *dataset) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	ids := make([]string, 0, len(ds.order))
	for _, id := range ds.order {
		if _, ok := ds.docs[id]; ok {
			ids = append(ids, id)
		}
	}
	start := min((page-1)*limit, len(ids))
	end := min(start+limit, len(ids))

	data := make([]map[string]any, 0, end-start)
	for _, id := range ids[start:end] {
		data = append(data, docJSON(ds.docs[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":     data,
		"has_more": end < len(ids),
		"limit":    limit,
		"page":     page,
		"total":    len(ids),
	})
}

func (*Server) getDocument(w http.ResponseWriter, r *http.Request, ds *dataset) {
	d, ok := ds.docs[r.PathValue("doc")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "document_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, docJSON(d))
}

func decode(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request, ds *dataset) {
	body := decode(r)
	s.nextID++
	d := &Document{
		ID:       fmt.Sprintf("doc-%d", s.nextID),
		Name:     fmt.Sprint(body["name"]),
		Text:     fmt.Sprint(body["text"]),
		Metadata: map[string]string{},
		Request:  body,
	}
	ds.docs[d.ID] = d
	ds.order = append(ds.order, d.ID)
	writeJSON(w, http.StatusOK, map[string]any{"document": map[string]any{"id": d.ID, "name": d.Name}, "batch": "b"})
}

func (*Server) updateDocument(w http.ResponseWriter, r *http.Request, ds *dataset) {
	d, ok := ds.docs[r.PathValue("doc")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "document_not_found"})
		return
	}
	body := decode(r)
	d.Name = fmt.Sprint(body["name"])
	d.Text = fmt.Sprint(body["text"])
	d.Request = body
	writeJSON(w, http.StatusOK, map[string]any{"document": map[string]any{"id": d.ID, "name": d.Name}})
}

func (*Server) setMetadata(w http.ResponseWriter, r *http.Request, ds *dataset) {
	var body struct {
		OperationData []struct {
			DocumentID   string `json:"document_id"`
			MetadataList []struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"metadata_list"`
		} `json:"operation_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "invalid_param"})
		return
	}
	for _, op := range body.OperationData {
		d, ok := ds.docs[op.DocumentID]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"code": "document_not_found"})
			return
		}
		for _, item := range op.MetadataList {
			if ds.fields[item.Name] != item.ID {
				writeJSON(w, http.StatusBadRequest, map[string]any{"code": "invalid_metadata"})
				return
			}
			d.Metadata[item.Name] = item.Value
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "success"})
}

func (*Server) deleteDocument(w http.ResponseWriter, r *http.Request, ds *dataset) {
	id := r.PathValue("doc")
	if _, ok := ds.docs[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": "document_not_found"})
		return
	}
	delete(ds.docs, id)
	w.WriteHeader(http.StatusNoContent)
}
