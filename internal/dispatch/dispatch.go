// Package dispatch turns alerts into stored notifications and fans the
// result out to push recipients. Persistence is the source of truth; push
// is a best-effort side effect that never blocks or fails a dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"taskboard/internal/directory"
	"taskboard/internal/notification"
	"taskboard/internal/push"
	logx "taskboard/pkg/logx"
)

// Alert is a request to notify someone. Exactly one of UserID /
// DepartmentID must be set. SourceTaskID and AlertClass travel together
// and make the alert deduplicated: a second dispatch with the same key is
// a benign no-op that resolves to the original record.
type Alert struct {
	Kind         notification.Kind
	Message      string
	CreatedBy    string
	UserID       string
	DepartmentID string
	SourceTaskID string
	AlertClass   notification.AlertClass
}

// Deliverer is the out-of-band delivery pipeline. Enqueue must not block.
type Deliverer interface {
	Enabled() bool
	Enqueue(push.Delivery) bool
}

type Dispatcher struct {
	store     *notification.Store
	users     *directory.Users
	deliverer Deliverer
	log       logx.Logger
}

func New(store *notification.Store, users *directory.Users, deliverer Deliverer, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, users: users, deliverer: deliverer, log: log}
}

// Dispatch persists the alert and, for a fresh record, queues push
// delivery. A dispatch whose alert key already exists returns the stored
// record without error and without pushing again.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) (*notification.Notification, error) {
	n := &notification.Notification{
		Kind:         a.Kind,
		Message:      a.Message,
		CreatedBy:    a.CreatedBy,
		UserID:       a.UserID,
		DepartmentID: a.DepartmentID,
		SourceTaskID: a.SourceTaskID,
		AlertClass:   a.AlertClass,
	}

	// Keyed alerts are looked up first; the storage unique index still
	// closes the race between two concurrent dispatches.
	if a.SourceTaskID != "" && a.AlertClass != "" {
		existing, err := d.store.GetByAlertKey(ctx, a.SourceTaskID, a.AlertClass)
		if err != nil && !errors.Is(err, notification.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	err := d.store.Create(ctx, n)
	if errors.Is(err, notification.ErrDuplicateAlert) {
		existing, getErr := d.store.GetByAlertKey(ctx, a.SourceTaskID, a.AlertClass)
		if getErr != nil {
			return nil, fmt.Errorf("resolve duplicate alert: %w", getErr)
		}
		d.log.Debug("alert already recorded",
			logx.String("task", a.SourceTaskID),
			logx.String("class", string(a.AlertClass)))
		return existing, nil
	}
	if err != nil {
		return nil, err
	}

	d.fanOut(ctx, n)
	return n, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, n *notification.Notification) {
	if d.deliverer == nil || !d.deliverer.Enabled() {
		return
	}

	recipients, err := d.recipientsFor(ctx, n)
	if err != nil {
		// the record is stored either way; push is advisory
		d.log.Warn("recipient lookup failed, skipping push",
			logx.String("notification", n.ID), logx.Err(err))
		return
	}
	if len(recipients) == 0 {
		return
	}

	d.deliverer.Enqueue(push.Delivery{
		NotificationID: n.ID,
		Payload:        payloadFor(n),
		Recipients:     recipients,
	})
}

func (d *Dispatcher) recipientsFor(ctx context.Context, n *notification.Notification) ([]push.Recipient, error) {
	if n.UserScoped() {
		sub, err := d.users.SubscriptionOf(ctx, n.UserID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil
		}
		return []push.Recipient{{UserID: n.UserID, Subscription: *sub}}, nil
	}

	members, err := d.users.MembersOf(ctx, n.DepartmentID)
	if err != nil {
		return nil, err
	}
	out := make([]push.Recipient, 0, len(members))
	for _, m := range members {
		if m.Subscription == nil {
			continue
		}
		out = append(out, push.Recipient{UserID: m.ID, Subscription: *m.Subscription})
	}
	return out, nil
}

func payloadFor(n *notification.Notification) push.Payload {
	p := push.Payload{Body: n.Message}
	switch n.AlertClass {
	case notification.ClassCritical:
		p.Title = "Critical Task Alert"
	case notification.ClassDueSoon:
		p.Title = "Task Due Soon"
	default:
		p.Title = "Taskboard"
	}
	if n.SourceTaskID != "" {
		p.URL = "/dashboard/tasks"
		p.TaskID = n.SourceTaskID
	}
	return p
}
