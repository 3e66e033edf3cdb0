package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/collabtext/backend/internal/api"
	"github.com/manpreetbhatti/collabtext/backend/internal/compaction"
	"github.com/manpreetbhatti/collabtext/backend/internal/db"
	"github.com/manpreetbhatti/collabtext/backend/internal/hub"
	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
	"github.com/manpreetbhatti/collabtext/backend/internal/pubsub"
	"github.com/manpreetbhatti/collabtext/backend/internal/ws"
)

func main() {
	dbPath := os.Getenv("EDITOR_DB_PATH")
	if dbPath == "" {
		dbPath = "./data/editor.db"
	}

	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	h := hub.New()
	h.SetRecorder(database)

	defaultDocID := os.Getenv("EDITOR_DOC_ID")
	if defaultDocID == "" {
		defaultDocID = "default"
	}

	loader := func(docID string) (string, []ot.Op) {
		rev, text, err := database.GetSnapshot(docID)
		if err != nil {
			log.Printf("failed to load snapshot for %s: %v", docID, err)
			return "", nil
		}
		// The snapshot alone is stale the moment anything committed after
		// it; replay the op-log tail persisted since its revision so the
		// document resumes at the revision actually on disk, not rev 0.
		tail, err := database.GetOpsAfterRev(docID, rev)
		if err != nil {
			log.Printf("failed to load op log tail for %s: %v", docID, err)
			return text, nil
		}
		return text, tail
	}

	snapshotInterval := compaction.DefaultConfig().Interval
	if raw := os.Getenv("EDITOR_SNAPSHOT_INTERVAL"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			snapshotInterval = time.Duration(secs) * time.Second
		}
	}
	compactionConfig := compaction.DefaultConfig()
	compactionConfig.Interval = snapshotInterval
	compactionService := compaction.New(database, compactionConfig)
	compactionService.Start()
	defer compactionService.Stop()

	var relay *pubsub.Relay
	if redisAddr := os.Getenv("EDITOR_REDIS_ADDR"); redisAddr != "" {
		relay, err = pubsub.New(redisAddr, h)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		defer relay.Close()
		// Only the default document is mirrored across processes; a
		// deployment serving many documents per process would subscribe
		// each one as it's first attached, from within ws.ServeWs's
		// DocLoader call site.
		relay.Subscribe(defaultDocID)
		log.Printf("🔁 Cross-process broadcast enabled via Redis at %s", redisAddr)
	}

	apiHandler := api.New(h, database)

	router := mux.NewRouter()

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(h, loader, w, r)
	})

	router.HandleFunc("/", rootHandler).Methods(http.MethodGet)

	apiHandler.RegisterRoutes(router)

	handler := corsMiddleware(router)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		compactionService.Stop()
		database.Close()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	stats, _ := database.GetStats()
	var sizeLine string
	if stats != nil {
		sizeLine = humanize.Comma(int64(stats["op_count"].(int)))
	}

	log.Printf("📝 Editor server starting on :%s", port)
	log.Printf("📁 Database: %s (%s ops persisted)", dbPath, sizeLine)
	log.Println("Endpoints:")
	log.Println("  - WebSocket: /ws?doc={docId}")
	log.Println("  - Health:    GET /health")
	log.Println("  - Stats:     GET /api/stats")
	log.Println("  - Docs:      GET/POST /api/docs")
	log.Println("  - Doc:       GET/DELETE /api/docs/{id}")
	log.Println("  - Content:   GET /api/docs/{id}/content")
	log.Println("  - Versions:  GET/POST /api/docs/{id}/versions")
	log.Println("  - Version:   GET/DELETE /api/docs/{id}/versions/{versionId}")
	log.Println("  - Diff:      GET /api/docs/{id}/versions/diff?from=X&to=Y")
	log.Println("  - Restore:   POST /api/docs/{id}/versions/{versionId}/restore")

	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, `<!doctype html>
<html><head><title>collaborative editor</title></head>
<body>
<h1>collaborative editor</h1>
<p>Connect a websocket client to <code>/ws?doc=&lt;id&gt;</code>.</p>
<p>See <code>/health</code> and <code>/api/stats</code> for liveness and metrics.</p>
</body></html>`)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
