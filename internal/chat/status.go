package chat

// Status is a message delivery status, ordered sent < delivered < read.
type Status string

const (
	StatusUnknown   Status = ""
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() > 0 }

// Less reports whether s comes strictly before o.
func (s Status) Less(o Status) bool { return s.rank() < o.rank() }

// Max returns the later of two statuses.
func Max(a, b Status) Status {
	if a.Less(b) {
		return b
	}
	return a
}
