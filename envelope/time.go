package envelope

import "time"

// LastSeenFormat is the fixed wire format of the optimistic-concurrency
// timestamp ("MM/dd/yyyy HH:mm"). Minute precision is the contract: both
// sides of a conflict comparison are truncated to it, giving a deliberate
// coarse-grained concurrency window.
const LastSeenFormat = "01/02/2006 15:04"

// ParseLastSeen parses a last_seen value. The zone is left unspecified on the
// wire; both timestamps in a comparison come from the same database clock, so
// naive comparison is correct.
func ParseLastSeen(value string) (time.Time, error) {
	return time.Parse(LastSeenFormat, value)
}

// TruncateTouch drops sub-minute precision from a stored touch timestamp so
// it compares on equal footing with a last_seen value.
func TruncateTouch(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}
