package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/collabtext/backend/internal/db"
	"github.com/manpreetbhatti/collabtext/backend/internal/hub"
	"github.com/manpreetbhatti/collabtext/backend/internal/ratelimit"
	"github.com/manpreetbhatti/collabtext/backend/internal/session"
)

const (
	writeRatePerSecond = 5
	writeBurst         = 20
)

// API holds the REST handlers' dependencies: the Hub for live OT state
// (active session counts, snapshot reads, and version restores that
// must go through the transform algebra) and the Database for
// everything that outlives a process (document metadata, op log,
// named versions).
type API struct {
	hub           *hub.Hub
	database      *db.Database
	writeLimiters *ratelimit.ClientLimiters
}

func New(h *hub.Hub, database *db.Database) *API {
	return &API{
		hub:           h,
		database:      database,
		writeLimiters: ratelimit.NewClientLimiters(writeRatePerSecond, writeBurst),
	}
}

// rateLimitWrite throttles document/version-mutating requests per
// client IP, independent of the per-session websocket limiter.
func (a *API) rateLimitWrite(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientID = host
		}
		if !a.writeLimiters.Get(clientID).Allow() {
			errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_documents": a.hub.DocumentCount(),
		"active_sessions":  a.hub.SessionCount(),
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_documents"] = dbStats["document_count"]
			stats["total_ops"] = dbStats["op_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Document handlers

type DocumentResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ActiveSessions int       `json:"active_sessions"`
	OpCount        int       `json:"op_count,omitempty"`
}

type CreateDocumentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := a.database.ListDocuments(limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}

	active := a.hub.ActiveSessionsByDocument()

	response := make([]DocumentResponse, len(docs))
	for i, doc := range docs {
		response[i] = DocumentResponse{
			ID:             doc.ID,
			Name:           doc.Name,
			CreatedAt:      doc.CreatedAt,
			UpdatedAt:      doc.UpdatedAt,
			ActiveSessions: active[doc.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"documents": response,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) CreateDocumentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		errorResponse(w, http.StatusBadRequest, "Document ID is required")
		return
	}

	if err := a.database.CreateDocument(req.ID, req.Name); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create document")
		return
	}

	doc, err := a.database.GetDocument(req.ID)
	if err != nil || doc == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}

	jsonResponse(w, http.StatusCreated, DocumentResponse{
		ID:        doc.ID,
		Name:      doc.Name,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	})
}

func (a *API) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	doc, err := a.database.GetDocument(docID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get document")
		return
	}

	if doc == nil {
		errorResponse(w, http.StatusNotFound, "Document not found")
		return
	}

	opCount, _ := a.database.GetOpCount(docID)
	active := a.hub.ActiveSessionsByDocument()

	jsonResponse(w, http.StatusOK, DocumentResponse{
		ID:             doc.ID,
		Name:           doc.Name,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
		ActiveSessions: active[docID],
		OpCount:        opCount,
	})
}

func (a *API) DeleteDocumentHandler(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	if err := a.database.DeleteDocument(docID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Document deleted"})
}

// GetDocumentContentHandler returns the document's live text and
// revision straight from the Hub's in-memory History, seeding it from
// the latest persisted snapshot if it hasn't been attached yet.
func (a *API) GetDocumentContentHandler(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	_, text, err := a.database.GetSnapshot(docID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}

	rev, text := a.hub.Snapshot(docID, text)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"id":   docID,
		"rev":  rev,
		"text": text,
	})
}

// Version handlers

type CreateVersionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	CreatedBy   string `json:"created_by"`
	IsAuto      bool   `json:"is_auto"`
}

type VersionResponse struct {
	ID          int       `json:"id"`
	DocumentID  string    `json:"document_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Content     string    `json:"content,omitempty"` // Omit in list view
	ContentHash string    `json:"content_hash"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	IsAuto      bool      `json:"is_auto"`
}

func hashContent(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:8])
}

func versionResponse(v db.Version, includeContent bool) VersionResponse {
	resp := VersionResponse{
		ID:          v.ID,
		DocumentID:  v.DocumentID,
		Name:        v.Name,
		Description: v.Description,
		ContentHash: v.ContentHash,
		CreatedBy:   v.CreatedBy,
		CreatedAt:   v.CreatedAt,
		IsAuto:      v.IsAuto,
	}
	if includeContent {
		resp.Content = v.Content
	}
	return resp
}

// ListVersionsHandler returns the named snapshots for a document.
func (a *API) ListVersionsHandler(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	versions, err := a.database.ListVersions(docID, limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list versions")
		return
	}

	response := make([]VersionResponse, len(versions))
	for i, v := range versions {
		response[i] = versionResponse(v, false)
	}

	total, _ := a.database.GetVersionCount(docID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"versions": response,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// CreateVersionHandler snapshots the document's current content (or a
// caller-supplied content string) as a named version. When the caller
// omits content, the live Hub text for the document is used.
func (a *API) CreateVersionHandler(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["id"]

	var req CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Content == "" {
		_, text := a.hub.Snapshot(docID, "")
		req.Content = text
	}

	if req.Name == "" {
		if req.IsAuto {
			req.Name = fmt.Sprintf("Auto-save %s", time.Now().Format("Jan 2, 3:04 PM"))
		} else {
			req.Name = fmt.Sprintf("Version %s", time.Now().Format("Jan 2, 3:04 PM"))
		}
	}

	contentHash := hashContent(req.Content)

	latest, err := a.database.GetLatestVersion(docID)
	if err == nil && latest != nil && latest.ContentHash == contentHash && req.IsAuto {
		jsonResponse(w, http.StatusOK, versionResponse(*latest, false))
		return
	}

	version, err := a.database.CreateVersion(
		docID, req.Name, req.Description, req.Content, contentHash, req.CreatedBy, req.IsAuto,
	)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create version")
		return
	}

	if req.IsAuto {
		if err := a.database.DeleteOldAutoVersions(docID, 20); err != nil {
			log.Printf("Failed to clean up old auto versions: %v", err)
		}
	}

	jsonResponse(w, http.StatusCreated, versionResponse(*version, false))
}

// GetVersionHandler retrieves a specific version with full content.
func (a *API) GetVersionHandler(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.Atoi(mux.Vars(r)["versionId"])
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(versionID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}

	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	jsonResponse(w, http.StatusOK, versionResponse(*version, true))
}

// DeleteVersionHandler removes a version.
func (a *API) DeleteVersionHandler(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.Atoi(mux.Vars(r)["versionId"])
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	if err := a.database.DeleteVersion(versionID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Version deleted"})
}

// DiffVersionsHandler computes a line-by-line diff between two versions.
func (a *API) DiffVersionsHandler(w http.ResponseWriter, r *http.Request) {
	fromID, err := strconv.Atoi(r.URL.Query().Get("from"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'from' version ID")
		return
	}

	toID, err := strconv.Atoi(r.URL.Query().Get("to"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid 'to' version ID")
		return
	}

	fromVersion, err := a.database.GetVersion(fromID)
	if err != nil || fromVersion == nil {
		errorResponse(w, http.StatusNotFound, "From version not found")
		return
	}

	toVersion, err := a.database.GetVersion(toID)
	if err != nil || toVersion == nil {
		errorResponse(w, http.StatusNotFound, "To version not found")
		return
	}

	diff := computeDiff(fromVersion.Content, toVersion.Content)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"from": versionResponse(*fromVersion, false),
		"to":   versionResponse(*toVersion, false),
		"diff": diff,
	})
}

// DiffLine represents a single line in a diff
type DiffLine struct {
	Type    string `json:"type"` // "added", "removed", "unchanged"
	Content string `json:"content"`
	OldLine int    `json:"old_line,omitempty"`
	NewLine int    `json:"new_line,omitempty"`
}

// computeDiff performs a simple line-by-line diff using LCS
func computeDiff(oldContent, newContent string) []DiffLine {
	oldLines := strings.Split(oldContent, "\n")
	newLines := strings.Split(newContent, "\n")

	lcs := lcsMatrix(oldLines, newLines)
	return backtrackDiff(oldLines, newLines, lcs)
}

func lcsMatrix(a, b []string) [][]int {
	m, n := len(a), len(b)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				dp[i][j] = dp[i-1][j-1] + 1
			} else {
				dp[i][j] = max(dp[i-1][j], dp[i][j-1])
			}
		}
	}
	return dp
}

func backtrackDiff(oldLines, newLines []string, lcs [][]int) []DiffLine {
	var result []DiffLine
	i, j := len(oldLines), len(newLines)
	oldLineNum, newLineNum := len(oldLines), len(newLines)

	var stack []DiffLine
	for i > 0 || j > 0 {
		if i > 0 && j > 0 && oldLines[i-1] == newLines[j-1] {
			stack = append(stack, DiffLine{
				Type:    "unchanged",
				Content: oldLines[i-1],
				OldLine: oldLineNum,
				NewLine: newLineNum,
			})
			i--
			j--
			oldLineNum--
			newLineNum--
		} else if j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]) {
			stack = append(stack, DiffLine{
				Type:    "added",
				Content: newLines[j-1],
				NewLine: newLineNum,
			})
			j--
			newLineNum--
		} else if i > 0 {
			stack = append(stack, DiffLine{
				Type:    "removed",
				Content: oldLines[i-1],
				OldLine: oldLineNum,
			})
			i--
			oldLineNum--
		}
	}

	for k := len(stack) - 1; k >= 0; k-- {
		result = append(result, stack[k])
	}

	return result
}

// RestoreVersionHandler replays a stored version's content into the
// live document as a new revision, going through the normal Hub.Submit
// path (a delete-all followed by an insert) so the restore is subject
// to the same transform algebra and broadcast as any other edit,
// instead of writing into History directly.
func (a *API) RestoreVersionHandler(w http.ResponseWriter, r *http.Request) {
	versionID, err := strconv.Atoi(mux.Vars(r)["versionId"])
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid version ID")
		return
	}

	version, err := a.database.GetVersion(versionID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get version")
		return
	}
	if version == nil {
		errorResponse(w, http.StatusNotFound, "Version not found")
		return
	}

	// Replace needs a sender session to attribute the resulting ops to;
	// restores are anonymous administrative actions, so a throwaway
	// session is used and never attached to any connection.
	ghost := session.New(1)
	if err := a.hub.Replace(version.DocumentID, ghost, version.Content); err != nil {
		errorResponse(w, http.StatusConflict, fmt.Sprintf("Failed to restore: %v", err))
		return
	}

	restoreName := fmt.Sprintf("Restored from: %s", version.Name)
	newVersion, err := a.database.CreateVersion(
		version.DocumentID,
		restoreName,
		fmt.Sprintf("Restored to version %d (%s)", version.ID, version.Name),
		version.Content,
		version.ContentHash,
		"",
		false,
	)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create restore version")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"message":       "Version restored",
		"restored_from": version.ID,
		"new_version":   newVersion.ID,
		"document_id":   version.DocumentID,
		"content":       version.Content,
	})
}

// RegisterRoutes wires every REST handler onto r.
func (a *API) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/docs", a.ListDocumentsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/docs", a.rateLimitWrite(a.CreateDocumentHandler)).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{id}", a.GetDocumentHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}", a.rateLimitWrite(a.DeleteDocumentHandler)).Methods(http.MethodDelete)
	r.HandleFunc("/api/docs/{id}/content", a.GetDocumentContentHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/docs/{id}/versions", a.ListVersionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}/versions", a.rateLimitWrite(a.CreateVersionHandler)).Methods(http.MethodPost)
	r.HandleFunc("/api/docs/{id}/versions/diff", a.DiffVersionsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}/versions/{versionId}", a.GetVersionHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/docs/{id}/versions/{versionId}", a.rateLimitWrite(a.DeleteVersionHandler)).Methods(http.MethodDelete)
	r.HandleFunc("/api/docs/{id}/versions/{versionId}/restore", a.rateLimitWrite(a.RestoreVersionHandler)).Methods(http.MethodPost)
}
