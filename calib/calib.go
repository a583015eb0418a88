// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package calib drives one optical link's boards to a target pedestal,
// either by writing a fixed DAC, applying a cached linear calibration,
// or running the closed-loop fit protocol.
package calib // import "github.com/coderdj/dax/calib"

import (
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/coderdj/dax/digitizer"
)

// Mode selects how Run arrives at a DAC value for a channel.
type Mode string

const (
	ModeFixed  Mode = "fixed"
	ModeCached Mode = "cached"
	ModeFit    Mode = "fit"
)

// Fit protocol parameters, fixed per the documented protocol.
const (
	maxIter              = 2
	maxSteps             = 20
	triggersPerStep      = 3
	adjustmentThreshold  = 10
	convergenceThreshold = 3
	minAdjustment        = 0x0A
	binsAroundMax        = 3
	fractionAroundMax    = 0.8
	maxRepeatedSteps     = 10
	rebinFactor          = 1
	histBins             = 1 << (14 - rebinFactor)

	readyStartStopTries = 50
)

// The fit protocol's wait times between hardware operations. They are
// vars, not consts, so tests can shrink them and drive runFit's real
// timing loop without waiting on the production schedule.
var (
	msBetweenTriggers    = 10 * time.Millisecond
	dacStabilizationWait = time.Second
	postStopWait         = time.Millisecond
	readyStartStopSleep  = time.Millisecond
)

// calPoints are the three DAC values written during the calibration
// phase of a fit run, in order.
var calPoints = [3]uint16{60000, 30000, 6000}

// defaultCalibrationKey mirrors store.DefaultCalibrationKey: the bid
// used to look up a fallback calibration when a board has none of its
// own cached.
const defaultCalibrationKey = -1

// Board pairs a digitizer under calibration with its channel count.
type Board struct {
	Dev       *digitizer.Device
	NChannels int
}

// Result is BC's return status for one Run call.
type Result int

const (
	// Converged indicates every channel converged within max_iter*max_steps.
	Converged Result = 0
	// NotConverged indicates at least one channel never converged.
	NotConverged Result = -1
	// HardwareError indicates a board stopped responding; the caller
	// must elevate the controller to Error.
	HardwareError Result = -2
)

// Run drives boards to target pedestal T using mode, returning the
// result code, the final per-board DAC vectors and the fitted
// calibrations (populated only in fit mode). In fixed mode target is
// not a pedestal: it is written unchanged to every channel as the DAC
// value.
func Run(boards []Board, mode Mode, target int, cached map[int]digitizer.Calibration, msg *log.Logger) (Result, map[int][]uint16, map[int]digitizer.Calibration) {
	dacs := make(map[int][]uint16, len(boards))
	cals := make(map[int]digitizer.Calibration, len(boards))

	switch mode {
	case ModeFixed:
		for _, b := range boards {
			values := make([]uint16, b.NChannels)
			for i := range values {
				values[i] = uint16(target)
			}
			dacs[b.Dev.Descriptor().BID] = values
			if err := b.Dev.LoadDAC(values); err != nil {
				return HardwareError, dacs, cals
			}
		}
		return Converged, dacs, cals

	case ModeCached:
		for _, b := range boards {
			bid := b.Dev.Descriptor().BID
			cal, ok := cached[bid]
			if !ok {
				cal = cached[defaultCalibrationKey]
			}
			values := make([]uint16, b.NChannels)
			for ch := range values {
				slope, yint := calParam(cal, ch)
				values[ch] = dacFor(float64(target), slope, yint)
			}
			dacs[bid] = values
			if err := b.Dev.LoadDAC(values); err != nil {
				return HardwareError, dacs, cals
			}
		}
		return Converged, dacs, cals

	default: // ModeFit
		return runFit(boards, target, msg)
	}
}

func calParam(cal digitizer.Calibration, ch int) (slope, yint float64) {
	if ch < len(cal.Slope) && ch < len(cal.Yint) {
		return cal.Slope[ch], cal.Yint[ch]
	}
	return 1, 0
}

func dacFor(target, slope, yint float64) uint16 {
	if slope == 0 {
		return 0
	}
	v := (target - yint) / slope
	return clampDAC(v)
}

func clampDAC(v float64) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	default:
		return uint16(v)
	}
}

type channelState struct {
	converged  int
	history    [3]float64 // measured baseline at each calibration point
	hasHistory bool
	slope      float64 // fitted slope once the 3-point OLS fit has run
}

func runFit(boards []Board, target int, msg *log.Logger) (Result, map[int][]uint16, map[int]digitizer.Calibration) {
	dacs := make(map[int][]uint16, len(boards))
	cals := make(map[int]digitizer.Calibration, len(boards))

	states := make(map[int][]channelState, len(boards))
	for _, b := range boards {
		states[b.Dev.Descriptor().BID] = make([]channelState, b.NChannels)
	}

	for iter := 0; iter < maxIter; iter++ {
		for _, chs := range states {
			for i := range chs {
				chs[i].converged = 0
			}
		}

		repeated := 0
		step := 0
		for step < maxSteps {
			if step < 3 {
				for _, b := range boards {
					values := make([]uint16, b.NChannels)
					for i := range values {
						values[i] = calPoints[step]
					}
					if err := b.Dev.LoadDAC(values); err != nil {
						return HardwareError, dacs, cals
					}
					dacs[b.Dev.Descriptor().BID] = values
				}
			}

			time.Sleep(dacStabilizationWait)

			for _, b := range boards {
				if !b.Dev.EnsureReady(readyStartStopTries, readyStartStopSleep) {
					return HardwareError, dacs, cals
				}
				if err := b.Dev.SoftwareStart(); err != nil {
					return HardwareError, dacs, cals
				}
				if !b.Dev.EnsureStarted(readyStartStopTries, readyStartStopSleep) {
					return HardwareError, dacs, cals
				}
			}

			for i := 0; i < triggersPerStep; i++ {
				for _, b := range boards {
					_ = b.Dev.SWTrigger()
				}
				time.Sleep(msBetweenTriggers)
			}

			for _, b := range boards {
				if err := b.Dev.AcquisitionStop(); err != nil {
					return HardwareError, dacs, cals
				}
				if !b.Dev.EnsureStopped(readyStartStopTries, readyStartStopSleep) {
					return HardwareError, dacs, cals
				}
			}
			time.Sleep(postStopWait)

			retry := false
			measured := make(map[int][]float64, len(boards))
			for _, b := range boards {
				buf := make([]byte, 1<<20)
				n := b.Dev.ReadMBLT(buf)
				if n < 0 {
					return HardwareError, dacs, cals
				}
				if n <= 16 {
					retry = true
					continue
				}
				baselines, ok := measureBaselines(buf[:n], b.NChannels, b.Dev.Format())
				if !ok {
					retry = true
					continue
				}
				measured[b.Dev.Descriptor().BID] = baselines
			}

			if retry {
				repeated++
				if repeated > maxRepeatedSteps {
					return NotConverged, dacs, cals
				}
				continue
			}

			for _, b := range boards {
				bid := b.Dev.Descriptor().BID
				chs := states[bid]
				base := measured[bid]
				if base == nil {
					continue
				}
				values := dacs[bid]
				if values == nil {
					values = make([]uint16, b.NChannels)
					dacs[bid] = values
				}

				if step < 3 {
					for ch := 0; ch < b.NChannels && ch < len(base); ch++ {
						chs[ch].history[step] = base[ch]
						chs[ch].hasHistory = true
					}
					continue
				}

				for ch := 0; ch < b.NChannels && ch < len(base); ch++ {
					if chs[ch].converged >= convergenceThreshold {
						continue
					}
					offBy := float64(target) - base[ch]
					if math.Abs(offBy) < adjustmentThreshold {
						chs[ch].converged++
						continue
					}
					if chs[ch].converged > 0 {
						chs[ch].converged--
					}
					slope := estimateSlope(chs[ch])
					adj := math.Max(minAdjustment, math.Abs(offBy*slope))
					if offBy < 0 {
						adj = -adj
					}
					values[ch] = clampDAC(float64(values[ch]) + adj)
				}
				if err := b.Dev.LoadDAC(values); err != nil {
					return HardwareError, dacs, cals
				}
			}

			if step+1 == 3 {
				xs := []float64{float64(calPoints[0]), float64(calPoints[1]), float64(calPoints[2])}
				for _, b := range boards {
					bid := b.Dev.Descriptor().BID
					chs := states[bid]
					cal := digitizer.Calibration{
						Slope: make([]float64, b.NChannels),
						Yint:  make([]float64, b.NChannels),
					}
					for ch := range chs {
						if !chs[ch].hasHistory {
							continue
						}
						ys := []float64{chs[ch].history[0], chs[ch].history[1], chs[ch].history[2]}
						yint, slope := stat.LinearRegression(xs, ys, nil, false)
						cal.Slope[ch] = slope
						cal.Yint[ch] = yint
						chs[ch].slope = slope

						values := dacs[bid]
						values[ch] = dacFor(float64(target), slope, yint)
					}
					cals[bid] = cal
					if err := b.Dev.LoadDAC(dacs[bid]); err != nil {
						return HardwareError, dacs, cals
					}
				}
			}

			repeated = 0
			step++

			if allConverged(states) {
				break
			}
		}

		if allConverged(states) {
			return Converged, dacs, cals
		}
		if msg != nil {
			msg.Printf("calib: iteration %d finished without full convergence", iter)
		}
	}

	return NotConverged, dacs, cals
}

func allConverged(states map[int][]channelState) bool {
	for _, chs := range states {
		for _, ch := range chs {
			if ch.converged < convergenceThreshold {
				return false
			}
		}
	}
	return true
}

// estimateSlope returns the channel's fitted slope from the 3-point OLS
// fit, falling back to 0.1 when that fit left the slope at zero (a
// channel with no calibration history, or a flat fit).
func estimateSlope(ch channelState) float64 {
	if ch.slope == 0 {
		return 0.1
	}
	return ch.slope
}
