package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/collabtext/backend/internal/db"
	"github.com/manpreetbhatti/collabtext/backend/internal/hub"
)

func setupTestAPI(t *testing.T) (*API, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "collabtext-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	h := hub.New()
	api := New(h, database)

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, cleanup
}

func withVars(req *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(req, vars)
}

func TestHealthHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	api.HealthHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()

	api.StatsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if _, ok := response["active_documents"]; !ok {
		t.Error("Response should contain 'active_documents'")
	}
	if _, ok := response["active_sessions"]; !ok {
		t.Error("Response should contain 'active_sessions'")
	}
}

func TestCreateDocument(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		body           map[string]string
		expectedStatus int
	}{
		{
			name:           "Create document with ID and name",
			body:           map[string]string{"id": "test-doc-1", "name": "Test Doc 1"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Create document with only ID",
			body:           map[string]string{"id": "test-doc-2"},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing ID should fail",
			body:           map[string]string{"name": "No ID Doc"},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bodyBytes, _ := json.Marshal(tt.body)
			req := httptest.NewRequest("POST", "/api/docs", bytes.NewReader(bodyBytes))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			api.CreateDocumentHandler(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestGetDocument(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	docID := "get-test-doc"
	api.database.CreateDocument(docID, "Get Test Doc")

	req := httptest.NewRequest("GET", "/api/docs/"+docID, nil)
	req = withVars(req, map[string]string{"id": docID})
	w := httptest.NewRecorder()

	api.GetDocumentHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != docID {
		t.Errorf("Expected document ID '%s', got '%v'", docID, response["id"])
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/docs/non-existent", nil)
	req = withVars(req, map[string]string{"id": "non-existent"})
	w := httptest.NewRecorder()

	api.GetDocumentHandler(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListDocuments(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		api.database.CreateDocument("list-doc-"+string(rune('a'+i)), "Doc "+string(rune('A'+i)))
	}

	req := httptest.NewRequest("GET", "/api/docs", nil)
	w := httptest.NewRecorder()

	api.ListDocumentsHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	docs, ok := response["documents"].([]any)
	if !ok {
		t.Fatal("Response should contain 'documents' array")
	}

	if len(docs) != 5 {
		t.Errorf("Expected 5 documents, got %d", len(docs))
	}
}

func TestListDocumentsPagination(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		api.database.CreateDocument("page-doc-"+string(rune('a'+i)), "")
	}

	req := httptest.NewRequest("GET", "/api/docs?limit=3", nil)
	w := httptest.NewRecorder()

	api.ListDocumentsHandler(w, req)

	var response map[string]any
	json.NewDecoder(w.Body).Decode(&response)

	docs := response["documents"].([]any)
	if len(docs) != 3 {
		t.Errorf("Expected 3 documents with limit, got %d", len(docs))
	}

	req = httptest.NewRequest("GET", "/api/docs?limit=3&offset=7", nil)
	w = httptest.NewRecorder()

	api.ListDocumentsHandler(w, req)

	json.NewDecoder(w.Body).Decode(&response)

	docs = response["documents"].([]any)
	if len(docs) != 3 {
		t.Errorf("Expected 3 documents with offset, got %d", len(docs))
	}
}

func TestDeleteDocument(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	docID := "delete-test-doc"
	api.database.CreateDocument(docID, "Delete Test")

	req := httptest.NewRequest("DELETE", "/api/docs/"+docID, nil)
	req = withVars(req, map[string]string{"id": docID})
	w := httptest.NewRecorder()

	api.DeleteDocumentHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	doc, _ := api.database.GetDocument(docID)
	if doc != nil {
		t.Error("Document should have been deleted")
	}
}

func TestInvalidJSON(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/api/docs", bytes.NewReader([]byte("invalid json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	api.CreateDocumentHandler(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetDocumentContent(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/api/docs/fresh-doc/content", nil)
	req = withVars(req, map[string]string{"id": "fresh-doc"})
	w := httptest.NewRecorder()

	api.GetDocumentContentHandler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	json.NewDecoder(w.Body).Decode(&response)
	if response["text"] != "" {
		t.Errorf("Expected empty text for a never-seen document, got %v", response["text"])
	}
}

func TestCreateAndRestoreVersion(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	docID := "version-flow-doc"
	api.database.CreateDocument(docID, "")

	body, _ := json.Marshal(map[string]string{"content": "hello world"})
	req := httptest.NewRequest("POST", "/api/docs/"+docID+"/versions", bytes.NewReader(body))
	req = withVars(req, map[string]string{"id": docID})
	w := httptest.NewRecorder()
	api.CreateVersionHandler(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var created VersionResponse
	json.NewDecoder(w.Body).Decode(&created)

	restoreReq := httptest.NewRequest("POST", "/api/docs/"+docID+"/versions/"+strconv.Itoa(created.ID)+"/restore", nil)
	restoreReq = withVars(restoreReq, map[string]string{"id": docID, "versionId": strconv.Itoa(created.ID)})
	restoreW := httptest.NewRecorder()
	api.RestoreVersionHandler(restoreW, restoreReq)

	if restoreW.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", restoreW.Code, restoreW.Body.String())
	}

	_, text := api.hub.Snapshot(docID, "")
	if text != "hello world" {
		t.Errorf("Expected restored text %q, got %q", "hello world", text)
	}
}
