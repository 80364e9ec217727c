// Package timeshift implements the global packet ring, per-consumer
// read cursors, playout scheduler, and catch-up rate control described
// in spec §4.6: the hub between receivers and per-source processors.
package timeshift

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/screamrouter/audioengine/internal/engine/clock"
	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

// Config holds every tunable named in spec §4.6/§9. None of the
// interval fields exceeds 100ms, per the concurrency model's stated
// ceiling.
type Config struct {
	CleanupInterval            time.Duration
	MaxBufferDuration          time.Duration
	LoopMaxSleep               time.Duration
	TargetRecoveryMsPerSec     float64
	CatchupGain                float64
	AbsoluteMaxRate            float64
	MaxPlaybackRate            float64
	MaxCatchupLagMs            float64
	DefaultTargetBufferLevelMs float64
	ContinuityRTPSlack         time.Duration
	ContinuityWallSlack        time.Duration
	DefaultConsumerQueueCap    int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:            50 * time.Millisecond,
		MaxBufferDuration:          5 * time.Second,
		LoopMaxSleep:               20 * time.Millisecond,
		TargetRecoveryMsPerSec:     20,
		CatchupGain:                0.0005,
		AbsoluteMaxRate:            1.05,
		MaxPlaybackRate:            1.02,
		MaxCatchupLagMs:            500,
		DefaultTargetBufferLevelMs: 50,
		ContinuityRTPSlack:         200 * time.Millisecond,
		ContinuityWallSlack:        250 * time.Millisecond,
		DefaultConsumerQueueCap:    64,
	}
}

type sourceTimingState struct {
	clock                *clock.StreamClock
	targetBufferLevelMs  float64
	currentPlaybackRate  float64
	lastRTPTimestamp     uint32
	hasLastRTP           bool
	lastWallclock        time.Time
	latePackets          int64
	trims                int64
	laggingEvents        int64
	totalPackets         int64
	discarded            int64
}

// consumerInfo is ProcessorTargetInfo from spec §3/§4.6.4.
type consumerInfo struct {
	queue         *queue.Bounded[types.TaggedAudioPacket]
	filter        string
	bound         string
	boundResolved bool
	readIndex     int
	delayMs       float64
	backshiftSec  float64
	configuredCap int
	ewmaMicros    float64
}

// Manager is the single scheduler worker from spec §4.6: one global
// ring, a per-source timing-state map under its own mutex, and a
// consumer map sharing the ring's mutex to keep cursor/ring coherence.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	ring         []types.TaggedAudioPacket
	consumers    map[string]*consumerInfo
	stateVersion uint64

	timingMu sync.Mutex
	timing   map[string]*sourceTimingState

	wake chan struct{}
}

// NewManager constructs a Manager with the given config. log may be
// nil, in which case slog.Default() is used.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		consumers: make(map[string]*consumerInfo),
		timing:    make(map[string]*sourceTimingState),
		wake:      make(chan struct{}, 1),
	}
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// AddPacket implements spec §4.6.1.
func (m *Manager) AddPacket(pkt types.TaggedAudioPacket) {
	if !pkt.HasRTPTimestamp || pkt.SampleRate <= 0 {
		return
	}

	m.timingMu.Lock()
	st, ok := m.timing[pkt.SourceTag]
	if !ok {
		st = &sourceTimingState{targetBufferLevelMs: m.cfg.DefaultTargetBufferLevelMs, currentPlaybackRate: 1.0}
		m.timing[pkt.SourceTag] = st
	} else if st.hasLastRTP {
		if m.isNewSession(st, pkt) {
			st.clock = nil
			st.hasLastRTP = false
			m.snapConsumersForNewSession(pkt.SourceTag)
		}
	}
	if st.clock == nil {
		st.clock = clock.New(pkt.SampleRate)
	}
	st.clock.Update(pkt.RTPTimestamp, pkt.ReceivedTime)
	st.lastRTPTimestamp = pkt.RTPTimestamp
	st.hasLastRTP = true
	st.lastWallclock = pkt.ReceivedTime
	st.totalPackets++
	m.timingMu.Unlock()

	m.mu.Lock()
	m.ring = append(m.ring, pkt)
	m.stateVersion++
	m.mu.Unlock()
	m.notify()
}

// isNewSession implements the continuity test from spec §4.6.1: a
// discontinuity in RTP-implied time that the wall clock doesn't
// corroborate means this is a new session, not a clock hiccup.
func (m *Manager) isNewSession(st *sourceTimingState, pkt types.TaggedAudioPacket) bool {
	rtpDeltaFrames := int32(pkt.RTPTimestamp - st.lastRTPTimestamp)
	rtpDeltaSeconds := math.Abs(float64(rtpDeltaFrames)) / float64(pkt.SampleRate)
	if rtpDeltaSeconds <= 0.2 {
		return false
	}
	wallDelta := pkt.ReceivedTime.Sub(st.lastWallclock)
	mismatch := math.Abs(wallDelta.Seconds() - rtpDeltaSeconds)
	return mismatch > m.cfg.ContinuityWallSlack.Seconds()
}

// snapConsumersForNewSession implements the "skip buffered history"
// behavior: every consumer bound to (or wildcard-matching) sourceTag
// jumps to the ring's current end and has its dispatch queue drained.
func (m *Manager) snapConsumersForNewSession(sourceTag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.consumers {
		bound := c.bound
		if types.IsWildcard(c.filter) && !c.boundResolved {
			continue
		}
		if !types.IsWildcard(c.filter) {
			bound = c.filter
		}
		if bound != sourceTag {
			continue
		}
		c.readIndex = len(m.ring)
		for {
			if _, ok := c.queue.Pop(); !ok {
				break
			}
		}
	}
}

// RegisterProcessor implements spec §4.6.4.
func (m *Manager) RegisterProcessor(instanceID, sourceTagFilter string, q *queue.Bounded[types.TaggedAudioPacket], delayMs float64, backshiftSec float64) {
	if sourceTagFilter == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c := &consumerInfo{
		queue:         q,
		filter:        sourceTagFilter,
		delayMs:       delayMs,
		backshiftSec:  backshiftSec,
		configuredCap: m.cfg.DefaultConsumerQueueCap,
	}
	if backshiftSec > 0 {
		cutoff := time.Now().Add(-time.Duration(delayMs) * time.Millisecond).Add(-time.Duration(backshiftSec * float64(time.Second)))
		idx := 0
		for i, pkt := range m.ring {
			if !pkt.ReceivedTime.Before(cutoff) {
				idx = i
				break
			}
			idx = i + 1
		}
		c.readIndex = idx
	} else {
		c.readIndex = len(m.ring)
	}
	if !types.IsWildcard(sourceTagFilter) {
		c.bound = sourceTagFilter
		c.boundResolved = true
	}
	m.consumers[instanceID] = c
}

// UnregisterProcessor removes a consumer's registration.
func (m *Manager) UnregisterProcessor(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.consumers, instanceID)
}

// Tick runs one scheduler pass at the given time and returns the
// duration to sleep before the next pass (spec §4.6.2). Exposed
// directly (rather than only through Run) so it can be driven
// deterministically by tests.
func (m *Manager) Tick(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	nextWake := now.Add(m.cfg.LoopMaxSleep)

	for _, c := range m.consumers {
		for c.readIndex < len(m.ring) {
			pkt := m.ring[c.readIndex]

			if types.IsWildcard(c.filter) {
				if !c.boundResolved {
					if !types.MatchSourceTag(c.filter, pkt.SourceTag) {
						c.readIndex++
						continue
					}
					c.bound = pkt.SourceTag
					c.boundResolved = true
				} else if pkt.SourceTag != c.bound {
					c.readIndex++
					continue
				}
			} else if pkt.SourceTag != c.filter {
				c.readIndex++
				continue
			}

			st := m.timingForLocked(pkt.SourceTag)
			if st == nil || st.clock == nil || !st.clock.Initialized() {
				c.readIndex++
				continue
			}
			expectedArrival, ok := st.clock.ExpectedArrivalTime(pkt.RTPTimestamp)
			if !ok {
				c.readIndex++
				continue
			}

			desiredLatencyMs := math.Max(c.delayMs, st.targetBufferLevelMs) + c.backshiftSec*1000
			idealPlayout := expectedArrival.Add(time.Duration(desiredLatencyMs * float64(time.Millisecond)))
			if idealPlayout.After(now) {
				if idealPlayout.Before(nextWake) {
					nextWake = idealPlayout
				}
				break
			}

			latenessMs := now.Sub(idealPlayout).Seconds() * 1000
			if latenessMs > 0 {
				m.withTiming(pkt.SourceTag, func(s *sourceTimingState) { s.latePackets++ })
			}
			desiredRate := 1.0 + math.Min(m.cfg.TargetRecoveryMsPerSec/1000+m.cfg.CatchupGain*latenessMs, m.cfg.AbsoluteMaxRate-1.0)
			desiredRate = clamp(desiredRate, 1.0, m.cfg.MaxPlaybackRate)

			const epsilon = 1e-9
			if latenessMs > m.cfg.MaxCatchupLagMs && desiredRate >= m.cfg.AbsoluteMaxRate-epsilon {
				m.withTiming(pkt.SourceTag, func(s *sourceTimingState) { s.discarded++ })
				c.readIndex++
				continue
			}

			pkt.PlaybackRate = desiredRate
			chunkDurationMs := chunkDurationMs(pkt)
			dynamicCap := c.configuredCap
			if chunkDurationMs > 0 {
				dc := int(math.Ceil(desiredLatencyMs / chunkDurationMs))
				if dc > 0 && dc < dynamicCap {
					dynamicCap = dc
				}
			}
			for c.queue.Len() >= dynamicCap && c.queue.Len() > 0 {
				c.queue.DropFront(1)
				m.withTiming(pkt.SourceTag, func(s *sourceTimingState) { s.trims++ })
			}
			result := c.queue.Push(pkt)
			if result == queue.QueueFull {
				c.queue.DropFront(1)
				result = c.queue.Push(pkt)
			}
			if result != queue.Pushed {
				m.withTiming(pkt.SourceTag, func(s *sourceTimingState) { s.discarded++ })
			}
			c.readIndex++
		}
	}

	cleanupDeadline := now.Add(m.cfg.CleanupInterval)
	if cleanupDeadline.Before(nextWake) {
		nextWake = cleanupDeadline
	}
	sleep := nextWake.Sub(now)
	if sleep < 0 {
		sleep = 0
	}
	if sleep > m.cfg.LoopMaxSleep {
		sleep = m.cfg.LoopMaxSleep
	}
	return sleep
}

func (m *Manager) timingForLocked(sourceTag string) *sourceTimingState {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	return m.timing[sourceTag]
}

func (m *Manager) withTiming(sourceTag string, f func(*sourceTimingState)) {
	m.timingMu.Lock()
	defer m.timingMu.Unlock()
	if st, ok := m.timing[sourceTag]; ok {
		f(st)
	}
}

// chunkDurationMs estimates playback duration of one packet's audio
// from its declared format (spec §4.6.2's chunk_duration_ms(pkt)).
func chunkDurationMs(pkt types.TaggedAudioPacket) float64 {
	if pkt.SampleRate <= 0 {
		return 0
	}
	frames := pkt.Frames()
	return 1000 * float64(frames) / float64(pkt.SampleRate)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Cleanup implements spec §4.6.3: evict ring-front packets older than
// MaxBufferDuration, shift every consumer cursor back by the number
// evicted, clamp at 0, and count a lagging event only when the evicted
// block actually contained a packet the consumer was bound to.
func (m *Manager) Cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.cfg.MaxBufferDuration)
	evict := 0
	for evict < len(m.ring) && m.ring[evict].ReceivedTime.Before(cutoff) {
		evict++
	}
	if evict == 0 {
		return
	}
	evicted := m.ring[:evict]

	for _, c := range m.consumers {
		// Only the unread portion of the evicted region — indices the
		// consumer's cursor had not yet reached — can represent an
		// actual miss; anything before the cursor was already consumed.
		unreadStart := c.readIndex
		if unreadStart < 0 {
			unreadStart = 0
		}
		boundContainedMatch := false
		if unreadStart < evict {
			for _, pkt := range evicted[unreadStart:evict] {
				if types.IsWildcard(c.filter) {
					if c.boundResolved && pkt.SourceTag == c.bound {
						boundContainedMatch = true
						break
					}
				} else if pkt.SourceTag == c.filter {
					boundContainedMatch = true
					break
				}
			}
		}
		c.readIndex -= evict
		if c.readIndex < 0 {
			c.readIndex = 0
			if boundContainedMatch {
				bound := c.bound
				if !types.IsWildcard(c.filter) {
					bound = c.filter
				}
				m.withTiming(bound, func(s *sourceTimingState) { s.laggingEvents++ })
			}
		}
	}

	m.ring = append(m.ring[:0:0], m.ring[evict:]...)
}

// Run drives the scheduler loop until ctx is canceled, per the
// concurrency model in spec §5: one dedicated worker blocking on a
// condition (here, a channel select) with a deadline computed by Tick.
func (m *Manager) Run(ctx context.Context) {
	timer := time.NewTimer(m.cfg.LoopMaxSleep)
	defer timer.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		}

		now := time.Now()
		if now.Sub(lastCleanup) >= m.cfg.CleanupInterval {
			m.Cleanup(now)
			lastCleanup = now
		}
		sleep := m.Tick(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)
	}
}

// RingSize reports the current ring length (diagnostic / test use).
func (m *Manager) RingSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ring)
}

// ConsumerReadIndex reports one consumer's current read index
// (diagnostic / test use).
func (m *Manager) ConsumerReadIndex(instanceID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consumers[instanceID]
	if !ok {
		return 0, false
	}
	return c.readIndex, true
}
