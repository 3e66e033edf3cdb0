// Package ws is the connection task: it upgrades an HTTP request to a
// websocket, frames JSON messages in both directions, and hands decoded
// edit submissions to the hub. It never transforms operations itself.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/collabtext/backend/internal/hub"
	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
	"github.com/manpreetbhatti/collabtext/backend/internal/ratelimit"
	"github.com/manpreetbhatti/collabtext/backend/internal/session"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1024 * 1024
	messagesPerSecond = 50
	messageBurst      = 100
	sendBufferSize    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// DocLoader resolves the starting state for a document ID the first time
// it's attached in this process: the latest persisted full-text snapshot
// plus the tail of ops committed after that snapshot's revision. A nil
// tail is treated as "no ops since the snapshot".
type DocLoader func(docID string) (text string, tail []ot.Op)

// Client is one websocket connection's read/write pump pair.
type Client struct {
	h           *hub.Hub
	conn        *websocket.Conn
	sess        *session.Session
	docID       string
	rateLimiter *ratelimit.Limiter
}

// ServeWs upgrades r to a websocket, attaches a new session to the
// document named by the "doc" query parameter (default "default"), and
// starts its read/write pumps.
func ServeWs(h *hub.Hub, load DocLoader, w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("doc")
	if docID == "" {
		docID = "default"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	sess := session.New(sendBufferSize)
	c := &Client{
		h:           h,
		conn:        conn,
		sess:        sess,
		docID:       docID,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	initial := ""
	var tail []ot.Op
	if load != nil {
		initial, tail = load(docID)
	}
	h.AttachAt(docID, initial, tail, sess)

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.h.Detach(c.docID, c.sess)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			return
		}

		if c.sess.Failed() {
			// Desynchronized sessions are ignored, per spec section 7.
			continue
		}

		if !c.rateLimiter.Allow() {
			c.sess.Fail("rate limit exceeded")
			return
		}

		var frame session.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sess.Fail("malformed frame")
			return
		}

		if err := c.h.Submit(c.docID, c.sess, frame.Rev, frame.Op()); err != nil {
			// Submit already enqueued a fail frame on the session; the
			// write pump will deliver it before this connection closes.
			log.Printf("session %s desynchronized on doc %s: %v", c.sess.ID, c.docID, err)
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.sess.Out():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

			if c.sess.Failed() {
				return
			}

		case <-c.sess.Done():
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
