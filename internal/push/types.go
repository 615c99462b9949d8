package push

import (
	"encoding/json"

	"taskboard/internal/directory"
)

// Payload is the JSON body shown by the service worker on the device.
// Field names are part of the client contract; don't rename casually.
type Payload struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

func (p Payload) encode() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return b
}

// Recipient is one subscribed target of a delivery.
type Recipient struct {
	UserID       string
	Subscription directory.Subscription
}

// Delivery is one fan-out unit: a payload plus every recipient it goes to.
// Per-recipient outcomes are independent; one dead endpoint never blocks
// the rest.
type Delivery struct {
	NotificationID string
	Payload        Payload
	Recipients     []Recipient
}
