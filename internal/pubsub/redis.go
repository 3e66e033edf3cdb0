// Package pubsub implements the Hub's optional cross-process
// broadcast hook over Redis pub/sub, so multiple server processes
// behind a load balancer can serve the same document. A Hub with no
// Publisher installed behaves exactly like a single-process
// coordinator; this package only ever widens the audience a commit
// reaches, it never participates in the transform algebra itself.
package pubsub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/collabtext/backend/internal/hub"
	"github.com/manpreetbhatti/collabtext/backend/internal/ot"
)

// message is the payload relayed between processes over Redis: the
// revision an op committed at on its origin process, plus the op
// itself.
type message struct {
	Rev int   `json:"rev"`
	Op  ot.Op `json:"op"`
}

// Relay publishes committed ops to Redis and, for every document passed
// to Subscribe, applies ops published by other processes back into the
// local Hub.
type Relay struct {
	client *redis.Client
	hub    *hub.Hub
	ctx    context.Context
	cancel context.CancelFunc
}

// New connects to addr and wires itself as h's Publisher. Call
// Subscribe for every document ID this process needs to mirror from
// peers.
func New(addr string, h *hub.Hub) (*Relay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	r := &Relay{client: client, hub: h, ctx: ctx, cancel: cancel}
	h.SetPublisher(r)
	return r, nil
}

func channelName(docID string) string {
	return "collabtext:doc:" + docID
}

// Publish implements hub.Publisher. It's called synchronously from
// inside Hub.Submit while the document's lock is held, and waits for
// Redis to answer the PUBLISH command before returning.
func (r *Relay) Publish(docID string, rev int, applied ot.Op) {
	payload, err := json.Marshal(message{Rev: rev, Op: applied})
	if err != nil {
		log.Printf("pubsub: failed to marshal op for doc %s: %v", docID, err)
		return
	}
	if err := r.client.Publish(r.ctx, channelName(docID), payload).Err(); err != nil {
		log.Printf("pubsub: failed to publish to doc %s: %v", docID, err)
	}
}

// Subscribe starts mirroring ops published by other processes for
// docID into this process's Hub. Mirrored ops are applied directly via
// Hub.ApplyRemote, never re-submitted through the transform algebra:
// the publishing process already owns this document's writes and has
// already ordered the op, so this process only needs to replay it and
// fan it out to whatever sessions happen to be attached locally. This
// means at most one process may accept local writes for a given
// document at a time; Subscribe is for read replicas and failover
// standbys, not for spreading writes across processes. It runs until
// Close is called.
func (r *Relay) Subscribe(docID string) {
	sub := r.client.Subscribe(r.ctx, channelName(docID))
	ch := sub.Channel()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-r.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Printf("pubsub: malformed message on doc %s: %v", docID, err)
					continue
				}
				if err := r.hub.ApplyRemote(docID, "", m.Rev, m.Op); err != nil {
					log.Printf("pubsub: failed to mirror relayed op on doc %s: %v", docID, err)
				}
			}
		}
	}()
}

// Close releases the Redis connection.
func (r *Relay) Close() error {
	r.cancel()
	return r.client.Close()
}
