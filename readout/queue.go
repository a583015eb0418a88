// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package readout implements the per-link reader task and the
// per-board queue it feeds: pulling block-transfer buffers off boards,
// stamping them with rollover-corrected clock state, and handing them
// to the formatter stage via a FIFO with no capacity limit.
package readout // import "github.com/coderdj/dax/readout"

import (
	"sync"
	"sync/atomic"
)

// Packet is one raw buffer read off a board: owned by the reader at
// creation, transferred to the BoardQueue, and owned by the formatter
// on dequeue.
type Packet struct {
	BID          int
	Buf          []byte
	ClockCounter uint32
	HeaderTime   uint32
}

// BoardQueue is a per-board FIFO of raw packets plus atomic byte/length
// counters, observable consistently only under the mutex — generalized
// from the plain-slice DAQ buffer bookkeeping (wbuf and the per-RFM
// sink slices in loopDCC) to a producer/consumer queue with no capacity
// limit.
type BoardQueue struct {
	mu    sync.Mutex
	items []*Packet

	byteSize int64
	length   int64
}

// NewBoardQueue returns an empty BoardQueue.
func NewBoardQueue() *BoardQueue {
	return &BoardQueue{}
}

// Push appends p to the queue and updates the atomic counters.
func (q *BoardQueue) Push(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)

	atomic.AddInt64(&q.byteSize, int64(len(p.Buf)))
	atomic.AddInt64(&q.length, 1)
}

// Pop removes and returns the oldest packet, if any.
func (q *BoardQueue) Pop() (*Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items = q.items[1:]

	atomic.AddInt64(&q.byteSize, -int64(len(p.Buf)))
	atomic.AddInt64(&q.length, -1)
	return p, true
}

// Discard empties the queue without returning its contents, resetting
// the counters to zero. Used before a run starts to drop stale packets
// left over from a previous run.
func (q *BoardQueue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	atomic.StoreInt64(&q.byteSize, 0)
	atomic.StoreInt64(&q.length, 0)
}

// ByteSize returns the current queued byte total.
func (q *BoardQueue) ByteSize() int64 {
	return atomic.LoadInt64(&q.byteSize)
}

// Length returns the current queued packet count.
func (q *BoardQueue) Length() int64 {
	return atomic.LoadInt64(&q.length)
}
