// Package notification is the durable notification store and its per-viewer
// read-state tracking.
//
// Addressing model: a record targets either exactly one user or one whole
// department. Department records are shared (one row regardless of member
// count) and read state is tracked per viewer in a separate receipts table.
package notification

import "time"

// Kind is the presentational severity of a notification.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSuccess Kind = "success"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindInfo, KindSuccess, KindWarning, KindError:
		return true
	}
	return false
}

// AlertClass is the deduplication category of a scheduler-originated alert.
// Together with the source task ID it forms the alert key: at most one
// notification may exist per (task, class) pair.
type AlertClass string

const (
	ClassDueSoon  AlertClass = "due_soon"
	ClassCritical AlertClass = "critical"
)

func (c AlertClass) Valid() bool {
	return c == ClassDueSoon || c == ClassCritical
}

// Notification is one stored record.
//
// Exactly one of UserID / DepartmentID is set (enforced by a schema CHECK);
// which one decides who can see the record. SourceTaskID and AlertClass are
// set together or not at all, and only for scheduler-originated alerts.
type Notification struct {
	ID           string
	Kind         Kind
	Message      string
	CreatedBy    string
	UserID       string
	DepartmentID string
	SourceTaskID string
	AlertClass   AlertClass
	CreatedAt    time.Time

	// ReadBy is the set of user IDs that acknowledged the record.
	// Populated by Get/MarkRead; viewer list queries fill Read instead.
	ReadBy []string

	// Read is the calling viewer's read state. Only meaningful on records
	// returned by ListForUser.
	Read bool
}

// UserScoped reports whether the record is addressed to a single user.
func (n *Notification) UserScoped() bool { return n.UserID != "" }

// Viewer identifies who is asking. DepartmentID is the user's department at
// query time: department reassignment immediately changes which shared
// records the user sees.
type Viewer struct {
	UserID       string
	DepartmentID string
}
