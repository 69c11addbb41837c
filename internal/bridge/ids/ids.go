package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CorrelationID returns a fresh, globally unique correlation identifier as a
// time-sortable 26-character ULID.
func CorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// ReplyQueueName returns a unique name for a per-call reply queue, prefixed
// with the request queue name so operators can attribute stray queues.
func ReplyQueueName(requestQueue string) string {
	return fmt.Sprintf("%s.reply.%s", requestQueue, uuid.NewString())
}
