// Package notify delivers lifecycle events to external services.
//
// Wallets register webhook URLs to hear about:
// - Offer activity (received, countered, accepted, auto-rejected)
// - Escrow transitions (funded, shipped, delivered, released)
// - Shipment verification outcomes
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// EventType represents the type of notification event.
type EventType string

const (
	EventOfferReceived     EventType = "offer.received"
	EventOfferAccepted     EventType = "offer.accepted"
	EventOfferRejected     EventType = "offer.rejected"
	EventOfferAutoRejected EventType = "offer.auto_rejected"
	EventOfferCountered    EventType = "offer.countered"
	EventOfferWithdrawn    EventType = "offer.withdrawn"
	EventOfferExpired      EventType = "offer.expired"
	EventEscrowFunded      EventType = "escrow.funded"
	EventEscrowCancelled   EventType = "escrow.cancelled"
	EventEscrowShipped     EventType = "escrow.shipped"
	EventEscrowDelivered   EventType = "escrow.delivered"
	EventEscrowReleased    EventType = "escrow.released"
	EventShipmentVerified  EventType = "shipment.verified"
	EventShipmentRejected  EventType = "shipment.rejected"
)

var knownEvents = map[EventType]bool{
	EventOfferReceived:     true,
	EventOfferAccepted:     true,
	EventOfferRejected:     true,
	EventOfferAutoRejected: true,
	EventOfferCountered:    true,
	EventOfferWithdrawn:    true,
	EventOfferExpired:      true,
	EventEscrowFunded:      true,
	EventEscrowCancelled:   true,
	EventEscrowShipped:     true,
	EventEscrowDelivered:   true,
	EventEscrowReleased:    true,
	EventShipmentVerified:  true,
	EventShipmentRejected:  true,
}

// IsKnownEvent reports whether a subscription may name this event.
func IsKnownEvent(e EventType) bool { return knownEvents[e] }

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvalidURL           = errors.New("webhook URL must be a public https endpoint")
	ErrUnknownEvent         = errors.New("unknown event type")
)

// Event is the payload delivered to a webhook endpoint.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription is a wallet's webhook registration.
type Subscription struct {
	ID           string      `json:"id"`
	Wallet       string      `json:"wallet"`
	URL          string      `json:"url"`
	Secret       string      `json:"-"`
	Events       []EventType `json:"events"`
	Active       bool        `json:"active"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastSuccess  *time.Time  `json:"lastSuccess,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
	FailureCount int         `json:"failureCount"`
}

// Wants reports whether the subscription covers an event type.
func (s *Subscription) Wants(eventType EventType) bool {
	for _, et := range s.Events {
		if et == eventType {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByWallet(ctx context.Context, wallet string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Subscriptions that keep failing get switched off rather than retried
// forever.
const maxConsecutiveFailures = 10

// Dispatcher sends notification events over HTTP.
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
}

// NewDispatcher creates a new webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: ValidateURL,
	}
}

// ValidateURL rejects endpoints that would let a subscriber point the
// dispatcher at internal infrastructure.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Hostname() == "" {
		return ErrInvalidURL
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrInvalidURL
		}
	}
	if u.Hostname() == "localhost" {
		return ErrInvalidURL
	}
	return nil
}

// DispatchToWallet sends an event to a wallet's matching subscriptions.
func (d *Dispatcher) DispatchToWallet(ctx context.Context, wallet string, event *Event) error {
	subs, err := d.store.GetByWallet(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.Wants(event.Type) {
			continue
		}
		// Send async to avoid blocking the state machine.
		go d.send(ctx, sub, event)
	}
	return nil
}

// Dispatch sends an event to every subscriber of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(ctx, sub, event)
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if d.urlValidator != nil {
		if err := d.urlValidator(sub.URL); err != nil {
			d.recordFailure(ctx, sub, err.Error())
			return
		}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordFailure(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Atelier-Event", string(event.Type))
	req.Header.Set("X-Atelier-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Atelier-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.recordSuccess(ctx, sub)
	} else {
		d.recordFailure(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of a payload. Subscribers verify
// deliveries with the secret shown at registration.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.FailureCount = 0
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.FailureCount++
	if sub.FailureCount >= maxConsecutiveFailures {
		sub.Active = false
	}
	_ = d.store.Update(ctx, sub)
}
