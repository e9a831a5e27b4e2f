package voltaic

import (
	"time"

	"github.com/google/uuid"
)

// NewSessionID generates a globally unique, time-sortable UUIDv7 (RFC 9562)
// for automated-predict sessions.
func NewSessionID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
