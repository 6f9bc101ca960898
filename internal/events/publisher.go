// Package events builds, encrypts, and disseminates run-status events with
// a resumable last-event snapshot.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"querydeck/internal/db/crypto"
	"querydeck/internal/domain"
)

// LastEventTTL is how long the resumable snapshot stays readable after the
// most recent transition.
const LastEventTTL = 24 * time.Hour

// ChannelFor returns the pub/sub channel for a run's status stream.
func ChannelFor(runID string) string { return "run-status:" + runID }

// LastEventKeyFor returns the cache key holding the last event snapshot.
func LastEventKeyFor(runID string) string { return "run-status:last:" + runID }

// Envelope is the plaintext event structure. It is serialized, encrypted,
// and only ever stored or published as ciphertext.
type Envelope struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	RunID        string `json:"runId"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Transport carries ciphertext to subscribers and the last-event cache.
type Transport interface {
	Broadcast(ctx context.Context, channel, payload string) error
	StoreLast(ctx context.Context, key, payload string, ttl time.Duration) error
}

var _ domain.ProgressPublisher = (*Publisher)(nil)

// Publisher encrypts run-status envelopes and delivers each one both to the
// per-run broadcast channel and to the last-event snapshot. Both writes
// happen on every call so a reconnecting client can always backfill the
// state it missed.
type Publisher struct {
	transport Transport
	enc       *crypto.Encryptor
	now       func() time.Time
}

// NewPublisher creates a Publisher over the given transport and cipher.
func NewPublisher(transport Transport, enc *crypto.Encryptor) *Publisher {
	return &Publisher{transport: transport, enc: enc, now: time.Now}
}

// SetClock overrides the timestamp source. Tests only.
func (p *Publisher) SetClock(now func() time.Time) { p.now = now }

// Publish builds, encrypts, broadcasts, and snapshots one status event.
func (p *Publisher) Publish(ctx context.Context, runID, status, message, errorMessage string) error {
	env := Envelope{
		Status:       status,
		Message:      message,
		Timestamp:    p.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		RunID:        runID,
		ErrorMessage: errorMessage,
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	payload, err := p.enc.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt event: %w", err)
	}

	if err := p.transport.Broadcast(ctx, ChannelFor(runID), payload); err != nil {
		return fmt.Errorf("broadcast event: %w", err)
	}
	if err := p.transport.StoreLast(ctx, LastEventKeyFor(runID), payload, LastEventTTL); err != nil {
		return fmt.Errorf("store last event: %w", err)
	}
	return nil
}
