package source

import (
	"sync"

	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/timeshift"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

// TimeshiftReporter implements Reporter by re-registering the consumer
// with the TimeshiftManager (spec §4.7: SET_DELAY/SET_TIMESHIFT are
// reported upward rather than applied locally). It remembers the last
// value of whichever field a given call didn't touch so the two knobs
// don't clobber each other.
type TimeshiftReporter struct {
	manager *timeshift.Manager
	filter  string
	queue   *queue.Bounded[types.TaggedAudioPacket]

	mu           sync.Mutex
	delayMs      float64
	backshiftSec float64
}

// NewTimeshiftReporter builds a Reporter bound to one consumer's
// registration parameters.
func NewTimeshiftReporter(manager *timeshift.Manager, filter string, q *queue.Bounded[types.TaggedAudioPacket], delayMs, backshiftSec float64) *TimeshiftReporter {
	return &TimeshiftReporter{manager: manager, filter: filter, queue: q, delayMs: delayMs, backshiftSec: backshiftSec}
}

// ReportDelay implements Reporter.
func (r *TimeshiftReporter) ReportDelay(instanceID string, delayMs float64) {
	r.mu.Lock()
	r.delayMs = delayMs
	backshift := r.backshiftSec
	r.mu.Unlock()
	r.manager.RegisterProcessor(instanceID, r.filter, r.queue, delayMs, backshift)
}

// ReportTimeshift implements Reporter.
func (r *TimeshiftReporter) ReportTimeshift(instanceID string, timeshiftSec float64) {
	r.mu.Lock()
	r.backshiftSec = timeshiftSec
	delay := r.delayMs
	r.mu.Unlock()
	r.manager.RegisterProcessor(instanceID, r.filter, r.queue, delay, timeshiftSec)
}
