package realtime

import (
	"time"

	"github.com/google/uuid"

	"helpdesk/cmd/internal/ids"
)

// NewConnID returns a random connection id.
func NewConnID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns a ULID used as envelope id, sortable in logs.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
