package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/manpreetbhatti/collabtext/backend/internal/db"
	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
)

func setupTestService(t *testing.T, config Config) (*Service, *db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "collabtext-compaction-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return New(database, config), database, cleanup
}

func TestCompactDocumentFoldsOpsIntoSnapshot(t *testing.T) {
	service, database, cleanup := setupTestService(t, Config{OpThreshold: 3, KeepRecentOps: 1})
	defer cleanup()

	docID := "fold-doc"
	ops := []ot.Op{
		ot.NewInsert(0, "hello"),
		ot.NewInsert(5, " world"),
		ot.NewInsert(11, "!"),
	}
	for i, op := range ops {
		if err := database.SaveOp(docID, i+1, op); err != nil {
			t.Fatalf("Failed to save op: %v", err)
		}
	}

	if err := service.compactDocument(docID); err != nil {
		t.Fatalf("compactDocument failed: %v", err)
	}

	rev, text, err := database.GetSnapshot(docID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if rev != 3 || text != "hello world!" {
		t.Fatalf("got (%d, %q), want (3, %q)", rev, text, "hello world!")
	}
}

// A second compaction pass must not re-apply ops that the first pass
// already folded into the snapshot, even though KeepRecentOps leaves
// some of them in the op log past the snapshot's revision.
func TestCompactDocumentTwicePreservesTextAcrossRetainedTail(t *testing.T) {
	service, database, cleanup := setupTestService(t, Config{OpThreshold: 3, KeepRecentOps: 2})
	defer cleanup()

	docID := "double-compact-doc"
	first := []ot.Op{
		ot.NewInsert(0, "abc"),
		ot.NewInsert(3, "def"),
		ot.NewInsert(6, "ghi"),
	}
	for i, op := range first {
		if err := database.SaveOp(docID, i+1, op); err != nil {
			t.Fatalf("Failed to save op: %v", err)
		}
	}
	if err := service.compactDocument(docID); err != nil {
		t.Fatalf("first compaction failed: %v", err)
	}

	second := []ot.Op{
		ot.NewInsert(9, "jkl"),
		ot.NewInsert(12, "mno"),
		ot.NewInsert(15, "pqr"),
	}
	for i, op := range second {
		if err := database.SaveOp(docID, len(first)+i+1, op); err != nil {
			t.Fatalf("Failed to save op: %v", err)
		}
	}
	if err := service.compactDocument(docID); err != nil {
		t.Fatalf("second compaction failed: %v", err)
	}

	_, text, err := database.GetSnapshot(docID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	want := "abcdefghijklmnopqr"
	if text != want {
		t.Fatalf("got text %q, want %q (a duplicated op would repeat one of the folded substrings)", text, want)
	}
}

func TestCompactDocumentSkipsUnderThreshold(t *testing.T) {
	service, database, cleanup := setupTestService(t, Config{OpThreshold: 10, KeepRecentOps: 1})
	defer cleanup()

	docID := "under-threshold-doc"
	if err := database.SaveOp(docID, 1, ot.NewInsert(0, "x")); err != nil {
		t.Fatalf("Failed to save op: %v", err)
	}

	if err := service.compactDocument(docID); err != nil {
		t.Fatalf("compactDocument failed: %v", err)
	}

	_, text, err := database.GetSnapshot(docID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if text != "" {
		t.Errorf("expected no snapshot below threshold, got %q", text)
	}
}

func TestCompactNowBypassesThreshold(t *testing.T) {
	service, database, cleanup := setupTestService(t, Config{OpThreshold: 100, KeepRecentOps: 0})
	defer cleanup()

	docID := "force-compact-doc"
	if err := database.SaveOp(docID, 1, ot.NewInsert(0, "x")); err != nil {
		t.Fatalf("Failed to save op: %v", err)
	}

	if err := service.CompactNow(docID); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}

	_, text, err := database.GetSnapshot(docID)
	if err != nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if text != "x" {
		t.Errorf("got text %q, want %q", text, "x")
	}
}
