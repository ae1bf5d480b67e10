package catalog

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pavelanni/studyaide/internal/model"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewExamID returns a ULID for an exam created at t. IDs generated within
// the same millisecond are still strictly increasing.
func NewExamID(t time.Time) model.ExamID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return model.ExamID(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
