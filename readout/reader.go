// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/coderdj/dax/digitizer"
)

const (
	statusSampleEvery = 10000
	interRoundSleep   = time.Microsecond
	rawPacketBytes    = 1 << 20
)

// Reader is the per-link task: it round-robins the boards on one
// optical link, drains each into a fresh raw packet, stamps it with
// rollover-corrected clock state, and enqueues it into that board's
// BoardQueue. It never blocks on a downstream consumer; if the
// formatter falls behind, the queue grows unbounded in practice bounded
// only by formatter consumption rate. Shaped after loopDCC's
// round-robin-over-RFMs structure, generalized from "copy DIF data,
// send over socket" to "ReadMBLT, stamp clock, enqueue".
type Reader struct {
	Link   int
	Boards []*digitizer.Device
	Queues map[int]*BoardQueue

	// CheckError is consulted once per board per round; a true entry
	// is cleared and triggers a CheckErrors call, whose decoded bits
	// are logged. It is the one-way "board event sink" capability the
	// formatter stage sets, so the reader never names the formatter
	// or controller directly.
	CheckError map[int]*atomic.Bool

	Msg *log.Logger

	running atomic.Bool
}

// Running reports whether Run is currently executing its loop.
func (r *Reader) Running() bool {
	return r.running.Load()
}

// Run drains stale packets from every board's queue, then rounds over
// the boards until ctx is cancelled. It sets Running true on entry and
// false on exit.
func (r *Reader) Run(ctx context.Context) {
	for _, bq := range r.Queues {
		bq.Discard()
	}

	r.running.Store(true)
	defer r.running.Store(false)

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, dev := range r.Boards {
			bid := dev.Descriptor().BID

			if iteration%statusSampleEvery == 0 {
				if status, err := dev.GetAcquisitionStatus(); err == nil && r.Msg != nil {
					r.Msg.Printf("readout: link=%d bid=%d status=0x%x", r.Link, bid, status)
				}
			}

			if flag, ok := r.CheckError[bid]; ok && flag.Load() {
				flag.Store(false)
				bits := dev.CheckErrors()
				if r.Msg != nil {
					r.Msg.Printf("readout: link=%d bid=%d errors=0x%x", r.Link, bid, bits)
				}
			}

			buf := make([]byte, rawPacketBytes)
			n := dev.ReadMBLT(buf)
			if n < 0 {
				continue
			}
			if n == 0 {
				continue
			}

			headerTime, err := dev.GetHeaderTime(buf[:n])
			if err != nil {
				continue
			}
			clock := dev.GetClockCounter(headerTime)

			bq, ok := r.Queues[bid]
			if !ok {
				continue
			}
			bq.Push(&Packet{
				BID:          bid,
				Buf:          buf[:n:n],
				ClockCounter: clock,
				HeaderTime:   headerTime,
			})
		}

		iteration++
		time.Sleep(interRoundSleep)
	}
}
