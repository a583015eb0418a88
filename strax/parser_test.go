// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import (
	"encoding/binary"
	"testing"

	"github.com/coderdj/dax/digitizer"
)

func wordsToBytes(words []uint32) []byte {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], w)
	}
	return buf
}

// TestDefaultFirmwareSingleChannelEvent exercises one six-sample pulse
// split into an 8-byte (4-sample) and a 4-byte (2-sample) payload
// fragment at time_ns 1000 and 1040.
func TestDefaultFirmwareSingleChannelEvent(t *testing.T) {
	buf := wordsToBytes([]uint32{
		0xA0000007,
		0x00000001,
		0x00000000,
		0x00000064,
		0x10002000,
		0x30004000,
		0x50006000,
	})

	p := &Parser{
		BID:             1,
		Format:          digitizer.Format{NsPerClock: 10, NsPerSample: 10},
		Channels:        ChannelMap{0: 0},
		FragmentPayload: 8,
		ChunkLength:     1 << 40,
	}

	result, err := p.Parse(buf, 0, 0x64)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Fragments) != 2 {
		t.Fatalf("len(fragments) = %d, want 2", len(result.Fragments))
	}

	f0 := result.Fragments[0].Fragment
	f1 := result.Fragments[1].Fragment
	if f0.TimeNS != 1000 {
		t.Fatalf("fragment[0].TimeNS = %d, want 1000", f0.TimeNS)
	}
	if f1.TimeNS != 1040 {
		t.Fatalf("fragment[1].TimeNS = %d, want 1040", f1.TimeNS)
	}
	if f0.PulseLength != 6 || f1.PulseLength != 6 {
		t.Fatalf("pulse lengths = %d, %d, want 6, 6", f0.PulseLength, f1.PulseLength)
	}
	if f0.FragmentIndex != 0 || f1.FragmentIndex != 1 {
		t.Fatalf("fragment indices = %d, %d, want 0, 1", f0.FragmentIndex, f1.FragmentIndex)
	}
}

// TestBoardFailBit exercises the board-fail case: an artificial
// deadtime fragment on the sentinel channel, no payload parsing, and
// the fail counter incrementing by one.
func TestBoardFailBit(t *testing.T) {
	buf := wordsToBytes([]uint32{
		0xA0000008,
		0x04000001,
		0x00000000,
		0x00000001,
		0x00000000,
		0x00000000,
		0x00000000,
		0x00000000,
	})

	p := &Parser{
		BID:             1,
		Format:          digitizer.Format{NsPerClock: 10, NsPerSample: 10},
		Channels:        ChannelMap{},
		FragmentPayload: 8,
		ChunkLength:     1 << 40,
	}

	result, err := p.Parse(buf, 0, 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Fragments) != 1 {
		t.Fatalf("len(fragments) = %d, want 1", len(result.Fragments))
	}
	if ch := result.Fragments[0].Fragment.Channel; ch != SentinelChannel {
		t.Fatalf("channel = %d, want sentinel %d", ch, SentinelChannel)
	}
	if p.FailCount() != 1 {
		t.Fatalf("FailCount() = %d, want 1", p.FailCount())
	}
}

func TestMissingChannelMapAborts(t *testing.T) {
	buf := wordsToBytes([]uint32{
		0xA0000007,
		0x00000001,
		0x00000000,
		0x00000064,
		0x10002000,
		0x30004000,
		0x50006000,
	})

	p := &Parser{
		BID:             1,
		Format:          digitizer.Format{NsPerClock: 10, NsPerSample: 10},
		Channels:        ChannelMap{}, // no entry for physical channel 0
		FragmentPayload: 8,
		ChunkLength:     1 << 40,
	}

	if _, err := p.Parse(buf, 0, 0x64); err == nil {
		t.Fatal("expected an error for a missing channel-map entry")
	}
}

func TestChunkOverlapBoundary(t *testing.T) {
	// time_ns=1950 with chunk_length=1000, overlap=100 → chunk 1, also
	// 1_post and 2_pre.
	keys := chunkKeysFor(1950, 1000, 100)
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3 entries", keys)
	}
	if keys[0] != chunkKey(1) {
		t.Fatalf("keys[0] = %q, want %q", keys[0], chunkKey(1))
	}

	// time_ns=1500 → chunk 1 only.
	keys = chunkKeysFor(1500, 1000, 100)
	if len(keys) != 1 || keys[0] != chunkKey(1) {
		t.Fatalf("keys = %v, want [%q]", keys, chunkKey(1))
	}
}

func TestClockRolloverAcrossPackets(t *testing.T) {
	dev := digitizer.New(digitizer.Descriptor{BID: 1}, digitizer.NewFake(digitizer.VariantBase, 1), nil)
	update := dev.GetClockCounter

	if got := update(0x7FFFFFF0); got != 0 {
		t.Fatalf("counter after first read = %d, want 0", got)
	}
	if got := update(0x00000010); got != 1 {
		t.Fatalf("counter after second read = %d, want 1, per the documented rollover example", got)
	}
}
