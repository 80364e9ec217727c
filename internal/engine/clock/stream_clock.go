// Package clock models the affine relationship between a remote RTP
// clock and the local monotonic clock with a 2-state Kalman filter.
package clock

import "time"

// Tunable noise terms. Empirically chosen, per the original implementation.
const (
	initialUncertainty = 1.0
	processNoiseQ       = 1e-5 // how much we trust the prediction model
	measurementNoiseR   = 1e-2 // how much we trust a single measurement
)

// StreamClock estimates offset and drift of a remote RTP clock against
// local time.Time (monotonic), so expected_arrival_time(rtp_ts) stays
// stable under jitter.
//
// State x = [offset, drift]'. Covariance P = [[p00,p01],[p10,p11]].
// Not safe for concurrent use; callers serialize access (TimeshiftManager
// keeps one StreamClock per source_tag under its timing-state mutex).
type StreamClock struct {
	sampleRate float64

	offset float64
	drift  float64

	p00, p01, p10, p11 float64

	processNoise     float64
	measurementNoise float64

	lastUpdate  time.Time
	initialized bool
}

// New creates a StreamClock for a stream sampled at sampleRate Hz.
func New(sampleRate float64) *StreamClock {
	c := &StreamClock{
		sampleRate:       sampleRate,
		processNoise:     processNoiseQ,
		measurementNoise: measurementNoiseR,
	}
	c.Reset()
	return c
}

// Reset clears the filter back to its uninitialized state.
func (c *StreamClock) Reset() {
	c.initialized = false
	c.offset = 0
	c.drift = 0
	c.p00, c.p01, c.p10, c.p11 = initialUncertainty, 0, 0, initialUncertainty
}

// Update feeds one (rtp_timestamp, arrival_time) observation into the
// filter. The first call only initializes state; it never updates P or
// drift. Subsequent calls with Δt == 0 are skipped (no information).
func (c *StreamClock) Update(rtpTimestamp uint32, arrivalTime time.Time) {
	rtpTimeSec := float64(rtpTimestamp) / c.sampleRate
	arrivalSec := monotonicSeconds(arrivalTime)

	if !c.initialized {
		c.offset = arrivalSec - rtpTimeSec
		c.drift = 0
		c.lastUpdate = arrivalTime
		c.initialized = true
		return
	}

	deltaT := arrivalTime.Sub(c.lastUpdate).Seconds()
	if deltaT == 0 {
		return
	}
	c.lastUpdate = arrivalTime

	// Prediction: offset_pred = offset + drift*Δt; drift unchanged.
	c.offset += c.drift * deltaT

	// P_pred = F P F' + Q, F = [[1, Δt], [0, 1]]
	c.p00 += deltaT*(2*c.p10+deltaT*c.p11) + c.processNoise
	c.p01 += deltaT * c.p11
	c.p10 += deltaT * c.p11
	c.p11 += c.processNoise

	// Update
	measuredOffset := arrivalSec - rtpTimeSec
	innovation := measuredOffset - c.offset

	innovationCovariance := c.p00 + c.measurementNoise
	if innovationCovariance == 0 {
		// Degenerate; avoid dividing by zero. Effectively skip the update.
		return
	}

	k0 := c.p00 / innovationCovariance
	k1 := c.p10 / innovationCovariance

	c.offset += k0 * innovation
	c.drift += k1 * innovation

	p00Prev, p01Prev := c.p00, c.p01
	c.p00 -= k0 * p00Prev
	c.p01 -= k0 * p01Prev
	c.p10 -= k1 * p00Prev
	c.p11 -= k1 * p01Prev
}

// ExpectedArrivalTime projects an RTP timestamp onto the local monotonic
// timeline using the current offset estimate (drift is already baked
// into how offset evolves between updates).
func (c *StreamClock) ExpectedArrivalTime(rtpTimestamp uint32) (time.Time, bool) {
	if !c.initialized {
		return time.Time{}, false
	}
	rtpTimeSec := float64(rtpTimestamp) / c.sampleRate
	expectedSec := rtpTimeSec + c.offset
	return monotonicEpoch.Add(time.Duration(expectedSec * float64(time.Second))), true
}

// Initialized reports whether at least one Update call has run.
func (c *StreamClock) Initialized() bool { return c.initialized }

// Offset returns the current offset estimate in seconds, for telemetry.
func (c *StreamClock) Offset() float64 { return c.offset }

// Drift returns the current drift estimate, for telemetry.
func (c *StreamClock) Drift() float64 { return c.drift }

// monotonicEpoch anchors the float64-seconds representation used
// internally back to a time.Time. Any fixed reference works because only
// differences ever matter; we use the process start time captured once.
var monotonicEpoch = time.Now()

func monotonicSeconds(t time.Time) float64 {
	return t.Sub(monotonicEpoch).Seconds()
}
