// Package compaction periodically folds a document's persisted
// operation log into a text snapshot so replay on cold start stays
// bounded instead of growing with the document's entire history.
package compaction

import (
	"log"
	"sync"
	"time"

	"github.com/manpreetbhatti/collabtext/backend/internal/db"
	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
)

type Config struct {
	Interval      time.Duration
	OpThreshold   int
	KeepRecentOps int
}

func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		OpThreshold:   100,
		KeepRecentOps: 10,
	}
}

type Service struct {
	database *db.Database
	config   Config
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(database *db.Database, config Config) *Service {
	return &Service{
		database: database,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🗜️ Compaction service started (interval: %v, threshold: %d ops)",
		s.config.Interval, s.config.OpThreshold)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Println("🗜️ Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.compactAllDocuments()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.compactAllDocuments()
		}
	}
}

func (s *Service) compactAllDocuments() {
	docs, err := s.database.ListDocuments(1000, 0)
	if err != nil {
		log.Printf("Compaction: failed to list documents: %v", err)
		return
	}

	compactedCount := 0
	for _, doc := range docs {
		if s.shouldCompact(doc.ID) {
			if err := s.compactDocument(doc.ID); err != nil {
				log.Printf("Compaction: failed for document %s: %v", doc.ID, err)
			} else {
				compactedCount++
			}
		}
	}

	if compactedCount > 0 {
		log.Printf("🗜️ Compacted %d documents", compactedCount)
	}
}

func (s *Service) shouldCompact(docID string) bool {
	baseRev, _, err := s.database.GetSnapshot(docID)
	if err != nil {
		return false
	}
	ops, err := s.database.GetOpsAfterRev(docID, baseRev)
	if err != nil {
		return false
	}
	return len(ops) >= s.config.OpThreshold
}

// replayToSnapshot rebuilds a document's text by replaying ops against
// whatever base text the last snapshot left off from, the same way a
// freshly attached hub document would be seeded on cold start.
func replayToSnapshot(baseRev int, baseText string, ops []ot.Op) (rev int, text string, err error) {
	h, err := ot.NewHistoryAt(baseText, ops)
	if err != nil {
		return 0, "", err
	}
	_, text = h.Current()
	return baseRev + len(ops), text, nil
}

func (s *Service) compactDocument(docID string) error {
	baseRev, baseText, err := s.database.GetSnapshot(docID)
	if err != nil {
		return err
	}

	ops, err := s.database.GetOpsAfterRev(docID, baseRev)
	if err != nil {
		return err
	}
	if len(ops) < s.config.OpThreshold {
		return nil
	}

	rev, text, err := replayToSnapshot(baseRev, baseText, ops)
	if err != nil {
		return err
	}

	if err := s.database.SaveSnapshot(docID, rev, text); err != nil {
		return err
	}

	keepFrom := rev - s.config.KeepRecentOps
	if keepFrom > baseRev {
		if err := s.database.DeleteOpsUpToRev(docID, keepFrom); err != nil {
			return err
		}
	}

	log.Printf("🗜️ Compacted document %s: %d ops folded into snapshot at rev %d (%d ops kept)",
		docID, len(ops), rev, s.config.KeepRecentOps)

	return nil
}

// CompactNow forces an immediate compaction pass for docID, bypassing
// the threshold check.
func (s *Service) CompactNow(docID string) error {
	baseRev, baseText, err := s.database.GetSnapshot(docID)
	if err != nil {
		return err
	}

	ops, err := s.database.GetOpsAfterRev(docID, baseRev)
	if err != nil {
		return err
	}

	rev, text, err := replayToSnapshot(baseRev, baseText, ops)
	if err != nil {
		return err
	}

	if err := s.database.SaveSnapshot(docID, rev, text); err != nil {
		return err
	}

	keepFrom := rev - s.config.KeepRecentOps
	if keepFrom > baseRev {
		return s.database.DeleteOpsUpToRev(docID, keepFrom)
	}
	return nil
}
