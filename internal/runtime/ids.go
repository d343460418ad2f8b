package runtime

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// newID mints a lexically sortable request/event id. crypto/rand.Reader
// is safe for concurrent use, so unlike audit.Sink's entropy source
// (which needs monotonic ordering within a millisecond for a single
// writer) no extra locking is needed here.
func newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// newTaskID mints an id satisfying the queue's task_id grammar (must
// start with a lowercase letter; ULIDs are uppercase and often lead
// with a digit), for runtime-enqueued follow-up tasks.
func newTaskID() string {
	return "t-" + strings.ToLower(newID())
}
