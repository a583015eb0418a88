// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import (
	"log"
	"time"

	"github.com/coderdj/dax/digitizer"
	"github.com/coderdj/dax/readout"
)

// Formatter is the per-board task: it drains a BoardQueue, parses each
// packet into fragments, buckets them into chunk buffers, and flushes
// chunks that have gone stale to a Writer.
type Formatter struct {
	Parser *Parser
	Queue  *readout.BoardQueue
	Chunks *ChunkBuffers
	Writer Writer
	Stats  *Stats
	Msg    *log.Logger

	PayloadBytes int
	FlushAge     time.Duration
}

const formatterBackoff = 10 * time.Microsecond

// Run drains the queue one packet at a time until stop is closed,
// flushing stale chunks to the writer after each packet. It returns the
// error that aborted it, or nil if stop was what ended the loop; a
// parse configuration error (a missing channel-map entry) is
// unrecoverable without reconfiguration, so Run exits rather than
// continuing to drain the queue.
func (f *Formatter) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			f.flushAll()
			return nil
		default:
		}

		pkt, ok := f.Queue.Pop()
		if !ok {
			time.Sleep(formatterBackoff)
			continue
		}

		if err := f.processPacket(pkt); err != nil {
			if f.Msg != nil {
				f.Msg.Printf("strax: bid=%d aborting formatter: %v", f.Parser.BID, err)
			}
			f.flushAll()
			return err
		}
		f.flushStale()
	}
}

func (f *Formatter) processPacket(pkt *readout.Packet) error {
	result, err := f.Parser.Parse(pkt.Buf, pkt.ClockCounter, pkt.HeaderTime)
	if err != nil {
		return err
	}

	f.Stats.AddEvent()
	for _, cf := range result.Fragments {
		f.Stats.AddFragment(cf.Fragment)
		f.Chunks.Append(cf, f.PayloadBytes)
	}
	return nil
}

func (f *Formatter) flushStale() {
	for _, key := range f.Chunks.StaleKeys(f.FlushAge, time.Now()) {
		f.flushKey(key)
	}
}

func (f *Formatter) flushAll() {
	for _, key := range f.Chunks.AllKeys() {
		f.flushKey(key)
	}
}

func (f *Formatter) flushKey(key string) {
	data, ok := f.Chunks.Take(key)
	if !ok || f.Writer == nil {
		return
	}
	if err := f.Writer.WriteChunk(key, data); err != nil && f.Msg != nil {
		f.Msg.Printf("strax: bid=%d could not write chunk %s: %v", f.Parser.BID, key, err)
	}
}

// NewParserForBoard builds a Parser bound to dev's data-format
// descriptor and board id.
func NewParserForBoard(dev *digitizer.Device, channels ChannelMap, fragmentPayload int, chunkLength, overlapNS int64) *Parser {
	return &Parser{
		BID:             dev.Descriptor().BID,
		Format:          dev.Format(),
		Channels:        channels,
		FragmentPayload: fragmentPayload,
		ChunkLength:     chunkLength,
		OverlapNS:       overlapNS,
	}
}
