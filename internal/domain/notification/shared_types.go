package notification

// Channel identifies the delivery transport for a notification.
type Channel string

const (
	ChannelEmail  Channel = "EMAIL"
	ChannelSystem Channel = "SYSTEM"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSystem:
		return true
	}
	return false
}

// Type decides whether a notification is dispatched immediately or
// accumulated into a time/size-bounded batch.
type Type string

const (
	TypeInstant Type = "INSTANT"
	TypeBatch   Type = "BATCH"
)

func (t Type) IsValid() bool {
	switch t {
	case TypeInstant, TypeBatch:
		return true
	}
	return false
}

// Status represents the dispatch state of a notification. PENDING moves to
// SENT or ERROR and never leaves a terminal state. SENDING is the transient
// claim state held between a batch claim and the terminal write; it is not
// reachable from outside the dispatch worker.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusError   Status = "ERROR"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether no further dispatch attempt may touch the record.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusError
}
