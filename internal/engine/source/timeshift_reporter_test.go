package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/timeshift"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

func TestTimeshiftReporterPreservesOtherFieldAcrossCalls(t *testing.T) {
	mgr := timeshift.NewManager(timeshift.DefaultConfig(), nil)
	q := queue.New[types.TaggedAudioPacket](4)
	r := NewTimeshiftReporter(mgr, "living_room", q, 10, 0)

	r.ReportTimeshift("proc1", 2.5)
	r.mu.Lock()
	delay := r.delayMs
	backshift := r.backshiftSec
	r.mu.Unlock()
	assert.Equal(t, 10.0, delay)
	assert.Equal(t, 2.5, backshift)

	r.ReportDelay("proc1", 20)
	r.mu.Lock()
	delay = r.delayMs
	backshift = r.backshiftSec
	r.mu.Unlock()
	assert.Equal(t, 20.0, delay)
	assert.Equal(t, 2.5, backshift)

	_, ok := mgr.ConsumerReadIndex("proc1")
	require.True(t, ok)
}
