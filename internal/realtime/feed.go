package realtime

import "time"

// Feed adapts the hub to the notification sink the lifecycle engines
// call, turning per-wallet notifications into public activity events.
type Feed struct {
	hub *Hub
}

// NewFeed creates a feed backed by a hub.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

// Notify broadcasts a lifecycle event to connected clients. The wallet
// argument is ignored: clients filter with their own subscriptions.
func (f *Feed) Notify(_ string, event string, payload map[string]interface{}) {
	if f == nil || f.hub == nil {
		return
	}
	f.hub.Broadcast(&Event{
		Type:      event,
		Timestamp: time.Now(),
		Data:      payload,
	})
}
