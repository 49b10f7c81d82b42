package notification

import (
	"database/sql"
	"fmt"
	"time"
)

// Notification is the unit of work for the dispatch engine. Exactly one of
// Email or System is set, matching Channel. Corresponds to the
// 'notifications' table plus its channel payload table.
type Notification struct {
	ID          int64
	EventName   string
	Channel     Channel
	Type        Type
	BatchKey    sql.NullString // set only when Type == TypeBatch
	Status      Status
	ErrorMsg    sql.NullString
	CreatedAt   time.Time
	ProcessedAt sql.NullTime

	Email  *EmailPayload
	System *SystemPayload
}

// EmailPayload is the channel-specific payload for EMAIL notifications.
// Corresponds to the 'email_notifications' table.
type EmailPayload struct {
	ID             int64
	NotificationID int64
	To             string
	Subject        string
	Body           string
	Meta           map[string]string
	ProviderUsed   sql.NullString
}

// SystemPayload is the channel-specific payload for SYSTEM notifications.
// Read state is independent of the dispatch state machine.
// Corresponds to the 'system_notifications' table.
type SystemPayload struct {
	ID             int64
	NotificationID int64
	UserID         int64
	Content        string
	IsRead         bool
	ReadAt         sql.NullTime
	CreatedAt      time.Time
}

// BatchKey derives the deterministic grouping key for batched notifications.
// All notifications sharing (eventName, channel, recipient) land in the same
// batch. An empty recipient falls back to the literal "system".
func BatchKey(eventName string, channel Channel, recipient string) string {
	if recipient == "" {
		recipient = "system"
	}
	return fmt.Sprintf("%s_%s_%s", eventName, channel, recipient)
}

// Recipient returns the address the notification is delivered to: the email
// address for EMAIL, the stringified user id for SYSTEM.
func (n *Notification) Recipient() string {
	switch {
	case n.Email != nil:
		return n.Email.To
	case n.System != nil:
		return fmt.Sprintf("%d", n.System.UserID)
	}
	return ""
}
