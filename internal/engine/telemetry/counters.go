// Package telemetry implements the per-stream diagnostic counters named
// in spec §6 ("Telemetry outputs"): total_packets, late_packets,
// lagging_events, tm_packets_discarded, tm_buffer_underruns, plus
// rolling avg/max/min of arrival error, playout deviation, head lag,
// clock offset, drift, and Kalman innovation. Grounded on the original
// implementation's stream_timing_state counter fields
// (timeshift_manager.cpp), mutex-guarded rather than atomic to match
// this codebase's existing convention of guarding plain struct fields
// with a per-component sync.Mutex (see timeshift.Manager).
package telemetry

import "sync"

// rollingStat accumulates a cumulative avg/max/min over the lifetime of
// a StreamCounters instance (the original tracks a running sum, abs-sum,
// and count rather than a fixed sample window; "rolling" here means
// "updated on every observation", not "windowed").
type rollingStat struct {
	count  int64
	sum    float64
	absSum float64
	max    float64
	min    float64
}

func (s *rollingStat) observe(v float64) {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	if s.count == 0 {
		s.max = v
		s.min = v
	} else {
		if v > s.max {
			s.max = v
		}
		if v < s.min {
			s.min = v
		}
	}
	s.count++
	s.sum += v
	s.absSum += abs
}

// Snapshot is the read-only view of a rollingStat's current state.
type Snapshot struct {
	Count  int64
	Avg    float64
	AbsAvg float64
	Max    float64
	Min    float64
}

func (s *rollingStat) snapshot() Snapshot {
	if s.count == 0 {
		return Snapshot{}
	}
	return Snapshot{
		Count:  s.count,
		Avg:    s.sum / float64(s.count),
		AbsAvg: s.absSum / float64(s.count),
		Max:    s.max,
		Min:    s.min,
	}
}

// StreamCounters holds every telemetry field for a single source_tag.
type StreamCounters struct {
	mu sync.Mutex

	totalPackets       int64
	latePackets        int64
	laggingEvents      int64
	tmPacketsDiscarded int64
	tmBufferUnderruns  int64

	arrivalErrorMs    rollingStat
	playoutDeviation  rollingStat
	headPlayoutLag    rollingStat
	clockOffsetMs     rollingStat
	clockDriftPPM     rollingStat
	clockInnovationMs rollingStat
}

// New builds an empty StreamCounters.
func New() *StreamCounters {
	return &StreamCounters{}
}

func (c *StreamCounters) IncTotalPackets() {
	c.mu.Lock()
	c.totalPackets++
	c.mu.Unlock()
}

func (c *StreamCounters) IncLatePackets() {
	c.mu.Lock()
	c.latePackets++
	c.mu.Unlock()
}

func (c *StreamCounters) IncLaggingEvents() {
	c.mu.Lock()
	c.laggingEvents++
	c.mu.Unlock()
}

func (c *StreamCounters) IncPacketsDiscarded() {
	c.mu.Lock()
	c.tmPacketsDiscarded++
	c.mu.Unlock()
}

func (c *StreamCounters) IncBufferUnderruns() {
	c.mu.Lock()
	c.tmBufferUnderruns++
	c.mu.Unlock()
}

func (c *StreamCounters) ObserveArrivalErrorMs(v float64) {
	c.mu.Lock()
	c.arrivalErrorMs.observe(v)
	c.mu.Unlock()
}

func (c *StreamCounters) ObservePlayoutDeviationMs(v float64) {
	c.mu.Lock()
	c.playoutDeviation.observe(v)
	c.mu.Unlock()
}

func (c *StreamCounters) ObserveHeadPlayoutLagMs(v float64) {
	c.mu.Lock()
	c.headPlayoutLag.observe(v)
	c.mu.Unlock()
}

func (c *StreamCounters) ObserveClockOffsetMs(v float64) {
	c.mu.Lock()
	c.clockOffsetMs.observe(v)
	c.mu.Unlock()
}

func (c *StreamCounters) ObserveClockDriftPPM(v float64) {
	c.mu.Lock()
	c.clockDriftPPM.observe(v)
	c.mu.Unlock()
}

func (c *StreamCounters) ObserveClockInnovationMs(v float64) {
	c.mu.Lock()
	c.clockInnovationMs.observe(v)
	c.mu.Unlock()
}

// CounterSnapshot is the full read-only telemetry view for one stream.
type CounterSnapshot struct {
	TotalPackets       int64
	LatePackets        int64
	LaggingEvents      int64
	PacketsDiscarded   int64
	BufferUnderruns    int64
	ArrivalErrorMs     Snapshot
	PlayoutDeviationMs Snapshot
	HeadPlayoutLagMs   Snapshot
	ClockOffsetMs      Snapshot
	ClockDriftPPM      Snapshot
	ClockInnovationMs  Snapshot
}

// Snapshot returns a consistent point-in-time copy of every counter.
func (c *StreamCounters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{
		TotalPackets:       c.totalPackets,
		LatePackets:        c.latePackets,
		LaggingEvents:      c.laggingEvents,
		PacketsDiscarded:   c.tmPacketsDiscarded,
		BufferUnderruns:    c.tmBufferUnderruns,
		ArrivalErrorMs:     c.arrivalErrorMs.snapshot(),
		PlayoutDeviationMs: c.playoutDeviation.snapshot(),
		HeadPlayoutLagMs:   c.headPlayoutLag.snapshot(),
		ClockOffsetMs:      c.clockOffsetMs.snapshot(),
		ClockDriftPPM:      c.clockDriftPPM.snapshot(),
		ClockInnovationMs:  c.clockInnovationMs.snapshot(),
	}
}

// Registry tracks one StreamCounters per source_tag.
type Registry struct {
	mu    sync.Mutex
	byTag map[string]*StreamCounters
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]*StreamCounters)}
}

// For returns the StreamCounters for sourceTag, creating it on first use.
func (r *Registry) For(sourceTag string) *StreamCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byTag[sourceTag]
	if !ok {
		c = New()
		r.byTag[sourceTag] = c
	}
	return c
}

// Remove drops the counters for sourceTag, e.g. when a source goes idle
// past the TimeshiftManager's cleanup threshold.
func (r *Registry) Remove(sourceTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTag, sourceTag)
}

// Snapshot returns a copy of every tracked stream's counters, keyed by
// source_tag.
func (r *Registry) Snapshot() map[string]CounterSnapshot {
	r.mu.Lock()
	tags := make([]string, 0, len(r.byTag))
	counters := make([]*StreamCounters, 0, len(r.byTag))
	for tag, c := range r.byTag {
		tags = append(tags, tag)
		counters = append(counters, c)
	}
	r.mu.Unlock()

	out := make(map[string]CounterSnapshot, len(tags))
	for i, tag := range tags {
		out[tag] = counters[i].Snapshot()
	}
	return out
}
