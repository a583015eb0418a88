// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import (
	"encoding/binary"
	"math/bits"

	"golang.org/x/xerrors"

	"github.com/coderdj/dax/digitizer"
)

const (
	headerNibble = 0xA
	boardFailBit = 0x04000000
	rolloverLow  = 5e8
	rolloverHigh = 15e8
)

// ChannelMap resolves a board's physical channel index to the logical
// channel id used downstream. An absent entry for an observed channel
// is a configuration error and aborts the parser.
type ChannelMap map[int]int

// Parser walks the raw 32-bit-word packets off one board and turns
// them into fragments. It keeps no error state between calls: Parse
// and its helpers return an error directly, and Parse stops at the
// first one.
type Parser struct {
	BID             int
	Format          digitizer.Format
	Channels        ChannelMap
	FragmentPayload int // bytes of raw sample data per fragment
	ChunkLength     int64
	OverlapNS       int64

	failCount int
	// CheckError is set (not toggled directly) when the board-fail
	// bit is observed, asking the reader to run CheckErrors on its
	// next round. It is the one-way sink capability the reader reads;
	// the parser never calls back into the reader or controller.
	CheckError func()
}

// ParseResult holds the fragments and chunk placements produced from
// one raw packet.
type ParseResult struct {
	Fragments []ChunkedFragment
}

// ChunkedFragment pairs a fragment with the chunk keys it belongs to.
type ChunkedFragment struct {
	Fragment Fragment
	Keys     []string
}

// Parse walks every event in buf, given the packet's rollover-corrected
// clock counter and raw header time. It returns the accumulated
// fragments, or an error if an event header claims fewer than 4 words
// or more words than buf holds, if FragmentPayload is not positive, or
// if the channel map is missing an entry for an observed channel (a
// configuration bug, not a runtime error, per the error-handling
// design).
func (p *Parser) Parse(buf []byte, clockCounter uint32, headerTime uint32) (ParseResult, error) {
	var out ParseResult

	words := p.words(buf)
	i := 0
	for i < len(words) {
		w0 := words[i]
		if w0>>28 != headerNibble {
			i++
			continue
		}

		wordsInEvent := int(w0 & 0x0FFFFFFF)
		if wordsInEvent < 4 || i+wordsInEvent > len(words) {
			return out, xerrors.Errorf("strax: bid=%d truncated event at word %d", p.BID, i)
		}
		if wordsInEvent == 4 {
			i += wordsInEvent
			continue
		}

		w1, w2, w3 := words[i+1], words[i+2], words[i+3]
		eventTime := w3 & 0x7FFFFFFF

		if w1&boardFailBit != 0 {
			ts := (int64(clockCounter)<<31 + int64(eventTime)) * p.Format.NsPerClock
			out.Fragments = append(out.Fragments, p.chunkFragment(artificialDeadtime(ts)))
			p.failCount++
			if p.CheckError != nil {
				p.CheckError()
			}
			i += wordsInEvent
			continue
		}

		mask := w1 & 0xFF
		if p.Format.ChannelMaskMSBIdx == 2 {
			mask |= ((w2 >> 24) & 0xFF) << 8
		}

		frags, consumed, perr := p.parseChannels(words[i+4:i+wordsInEvent], mask, clockCounter, headerTime, eventTime, wordsInEvent-4)
		if perr != nil {
			return out, perr
		}
		_ = consumed
		out.Fragments = append(out.Fragments, frags...)

		i += wordsInEvent
	}

	return out, nil
}

func (p *Parser) parseChannels(payload []uint32, mask uint32, clockCounter, headerTime, eventTime uint32, totalWords int) ([]ChunkedFragment, int, error) {
	var out []ChunkedFragment
	nSet := bits.OnesCount32(mask)
	if nSet == 0 {
		return out, 0, nil
	}

	off := 0
	for bit := 0; bit < 32; bit++ {
		if mask&(1<<uint(bit)) == 0 {
			continue
		}

		var (
			chanWords   int
			channelTime int64
			baseline    int16
		)

		if p.Format.ChannelHeaderWords == 0 {
			chanWords = totalWords / nSet
			channelTime = (int64(clockCounter)<<31 + int64(eventTime))
		} else {
			if off >= len(payload) {
				out = append(out, p.chunkFragment(artificialDeadtime(int64(headerTime)*p.Format.NsPerClock)))
				continue
			}
			hdr0 := payload[off]
			chanWords = int(hdr0 & 0x7FFFFF)
			var t31 uint32
			if off+1 < len(payload) {
				t31 = payload[off+1] & 0x7FFFFFFF
			}
			channelTime = int64(t31)
			if p.Format.ChannelTimeMSBIdx == 2 && off+2 < len(payload) {
				w2 := payload[off+2]
				channelTime = (int64(w2&0xFFFF) << 32) | int64(t31)
				baseline = int16((w2 >> 16) & 0x3FFF)
			} else {
				switch {
				case t31 > rolloverHigh && headerTime < rolloverLow && clockCounter > 0:
					channelTime = int64(clockCounter-1)<<31 + int64(t31)
				case t31 < rolloverLow && headerTime > rolloverHigh:
					channelTime = int64(clockCounter+1)<<31 + int64(t31)
				default:
					channelTime = int64(clockCounter)<<31 + int64(t31)
				}
			}
		}

		lo := off + p.Format.ChannelHeaderWords
		hi := off + chanWords
		if hi > len(payload) || lo > hi {
			out = append(out, p.chunkFragment(artificialDeadtime(channelTime*p.Format.NsPerClock)))
			off += chanWords
			continue
		}
		body := payload[lo:hi]

		corrupt := false
		for _, w := range body {
			if w>>28 == headerNibble {
				corrupt = true
				break
			}
		}
		if corrupt {
			out = append(out, p.chunkFragment(artificialDeadtime(channelTime*p.Format.NsPerClock)))
			off += chanWords
			continue
		}

		logicalCh, ok := p.Channels[bit]
		if !ok {
			return out, off, xerrors.Errorf("strax: bid=%d no channel-map entry for physical channel %d", p.BID, bit)
		}

		frags, err := p.fragmentPulse(body, channelTime*p.Format.NsPerClock, logicalCh)
		if err != nil {
			return out, off, err
		}
		for _, f := range frags {
			f.Baseline = baseline
			out = append(out, p.chunkFragment(f))
		}

		off += chanWords
	}

	return out, off, nil
}

func (p *Parser) fragmentPulse(body []uint32, baseTimeNS int64, logicalCh int) ([]Fragment, error) {
	samplesInPulse := len(body) * 2
	fragmentSamples := p.FragmentPayload / 2
	if fragmentSamples <= 0 {
		return nil, xerrors.Errorf("strax: bid=%d fragment payload must be positive", p.BID)
	}

	nFrags := (samplesInPulse + fragmentSamples - 1) / fragmentSamples
	if nFrags == 0 {
		nFrags = 1
	}

	raw := make([]byte, len(body)*4)
	for i, w := range body {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], w)
	}

	frags := make([]Fragment, 0, nFrags)
	for i := 0; i < nFrags; i++ {
		start := i * fragmentSamples * 2
		end := start + fragmentSamples*2
		if end > len(raw) {
			end = len(raw)
		}
		payload := raw[start:end]

		frags = append(frags, Fragment{
			TimeNS:           baseTimeNS + int64(i*fragmentSamples)*p.Format.NsPerSample,
			Length:           int32(len(payload) / 2),
			SampleIntervalNS: int16(p.Format.NsPerSample),
			Channel:          int16(logicalCh),
			PulseLength:      int32(samplesInPulse),
			FragmentIndex:    int16(i),
			Payload:          payload,
		})
	}
	return frags, nil
}

func (p *Parser) chunkFragment(f Fragment) ChunkedFragment {
	return ChunkedFragment{Fragment: f, Keys: chunkKeysFor(f.TimeNS, p.ChunkLength, p.OverlapNS)}
}

func (p *Parser) words(buf []byte) []uint32 {
	n := len(buf) / 4
	words := make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
	}
	return words
}

// FailCount returns the number of board-fail events observed so far.
func (p *Parser) FailCount() int {
	return p.failCount
}
