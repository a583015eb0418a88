// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package digitizer

// Clock rollover thresholds for the 31-bit, 125 MHz board clock, which
// wraps roughly every 17 s. Grounded on the seen_under_5/seen_over_15
// guard-flag formulation (as opposed to the alternate fRolloverCounter/
// fClockPeriod branch also found in the reference controller).
const (
	rolloverLowThreshold  = 5e8
	rolloverHighThreshold = 15e8
)

// rolloverState tracks the clock-counter rollover bookkeeping described
// for GetClockCounter: a timestamp below the low threshold that follows
// one above the high threshold closes one epoch and increments the
// counter exactly once; further low readings do not increment it again
// until another high reading has been seen.
type rolloverState struct {
	counter      uint32
	lastClock    uint32
	seenUnderLow bool
	seenOverHigh bool
}

// update feeds a new header timestamp and returns the current rollover
// counter. It must be called once per buffer, in arrival order.
func (r *rolloverState) update(t uint32) uint32 {
	if t < rolloverLowThreshold {
		if r.seenOverHigh {
			r.counter++
			r.seenOverHigh = false
		}
		r.seenUnderLow = true
	} else if t > rolloverHighThreshold {
		r.seenOverHigh = true
	}
	r.lastClock = t
	return r.counter
}
