package uthhub

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newCorrelationID returns a ULID used as a provisional message's
// clientMessageId. ULIDs sort by creation time, so local echoes keep their
// send order when compared by id.
func newCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newSubscriptionID() string {
	return "sub-" + uuid.NewString()
}
