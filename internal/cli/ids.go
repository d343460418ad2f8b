package cli

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// newTaskID mints an id satisfying the queue's task_id grammar for
// CLI-originated tasks (inbox add), mirroring the runtime's own
// lowercase-ULID convention so ids minted by either side never collide
// in shape.
func newTaskID() string {
	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	return "t-" + strings.ToLower(id)
}
