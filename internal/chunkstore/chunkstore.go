// Package chunkstore offloads message-fabric payloads larger than the
// configured inline limit into content-addressed Redis keys, so the
// pub/sub channel itself only ever carries a small envelope plus,
// optionally, a chunk reference.
package chunkstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// chunkTTL bounds how long an offloaded payload survives in Redis
// waiting to be claimed by a subscriber.
const chunkTTL = 5 * time.Minute

// envelope is what actually travels over the pub/sub subject.
type envelope struct {
	DeliveryID string            `json:"delivery_id"`
	Headers    map[string]string `json:"headers,omitempty"`
	Inline     []byte            `json:"inline,omitempty"`
	ChunkRef   string            `json:"chunk_ref,omitempty"`
}

// Message is a payload recovered from an envelope, with its headers.
type Message struct {
	Payload []byte
	Headers map[string]string
}

// Store wraps and unwraps fabric payloads, offloading anything over
// inlineLimit bytes to a Redis key addressed by its content hash.
type Store struct {
	rdb         *redis.Client
	inlineLimit int64
}

// New returns a Store that offloads payloads larger than inlineLimit
// bytes. inlineLimit <= 0 disables offloading entirely.
func New(rdb *redis.Client, inlineLimit int64) *Store {
	return &Store{rdb: rdb, inlineLimit: inlineLimit}
}

// Wrap produces the bytes to publish on the fabric for payload, storing
// it out-of-band first if it exceeds the inline limit.
func (s *Store) Wrap(ctx context.Context, payload []byte, headers map[string]string) ([]byte, error) {
	env := envelope{DeliveryID: uuid.NewString(), Headers: headers}

	if s.inlineLimit > 0 && int64(len(payload)) > s.inlineLimit {
		ref := contentKey(payload)
		if err := s.rdb.Set(ctx, ref, payload, chunkTTL).Err(); err != nil {
			return nil, fmt.Errorf("chunkstore: store chunk: %w", err)
		}
		env.ChunkRef = ref
	} else {
		env.Inline = payload
	}

	return json.Marshal(env)
}

// Unwrap recovers the original payload and headers from raw, fetching
// the out-of-band chunk if the envelope references one, and returns the
// delivery id assigned by Wrap for queue-group deduplication.
func (s *Store) Unwrap(ctx context.Context, raw []byte) (Message, string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, "", fmt.Errorf("chunkstore: decode envelope: %w", err)
	}

	if env.ChunkRef == "" {
		return Message{Payload: env.Inline, Headers: env.Headers}, env.DeliveryID, nil
	}

	payload, err := s.rdb.Get(ctx, env.ChunkRef).Bytes()
	if err != nil {
		return Message{}, "", fmt.Errorf("chunkstore: fetch chunk %s: %w", env.ChunkRef, err)
	}
	return Message{Payload: payload, Headers: env.Headers}, env.DeliveryID, nil
}

func contentKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "chunk:" + hex.EncodeToString(sum[:])
}
