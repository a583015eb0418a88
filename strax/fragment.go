// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package strax implements the formatter: it parses raw digitizer
// packets into events and channels, splits each channel's pulse into
// fixed-size fragment records, and buckets fragments into time-chunked
// overlap buffers ready for an external writer to flush.
package strax // import "github.com/coderdj/dax/strax"

import "encoding/binary"

// FragmentHeaderBytes is the fixed size of a fragment record's header,
// ahead of its zero-padded sample payload.
const FragmentHeaderBytes = 24

// SentinelChannel is the logical channel id used for artificial
// deadtime markers (board-fail bit, parse corruption).
const SentinelChannel = 790

// Fragment is one fixed-width record produced by the formatter.
type Fragment struct {
	TimeNS           int64
	Length           int32 // sample count carried by this fragment
	SampleIntervalNS int16
	Channel          int16
	PulseLength      int32 // total samples in the pulse this fragment belongs to
	FragmentIndex    int16
	Baseline         int16
	Payload          []byte // raw sample bytes, not yet zero-padded
}

// Encode writes the fragment's fixed-width binary layout to a buffer of
// size (FragmentHeaderBytes + payloadBytes), zero-padding any unused
// payload tail.
func (f Fragment) Encode(payloadBytes int) []byte {
	buf := make([]byte, FragmentHeaderBytes+payloadBytes)

	binary.LittleEndian.PutUint64(buf[0:8], uint64(f.TimeNS))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.Length))
	binary.LittleEndian.PutUint16(buf[12:14], uint16(f.SampleIntervalNS))
	binary.LittleEndian.PutUint16(buf[14:16], uint16(f.Channel))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(f.PulseLength))
	binary.LittleEndian.PutUint16(buf[20:22], uint16(f.FragmentIndex))
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Baseline))

	copy(buf[FragmentHeaderBytes:], f.Payload)
	return buf
}

// artificialDeadtime builds a zero-length fragment on SentinelChannel
// recording a gap at timeNS, per the board-fail and parse-corruption
// error paths.
func artificialDeadtime(timeNS int64) Fragment {
	return Fragment{
		TimeNS:        timeNS,
		Length:        0,
		Channel:       SentinelChannel,
		PulseLength:   0,
		FragmentIndex: 0,
	}
}
