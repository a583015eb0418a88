// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import (
	"testing"
	"time"
)

func TestChunkKeysForNoBoundary(t *testing.T) {
	keys := chunkKeysFor(1500, 1000, 100)
	if len(keys) != 1 || keys[0] != chunkKey(1) {
		t.Fatalf("keys = %v, want [%q]", keys, chunkKey(1))
	}
}

func TestChunkKeysForBoundary(t *testing.T) {
	keys := chunkKeysFor(1950, 1000, 100)
	if len(keys) != 3 {
		t.Fatalf("keys = %v, want 3 entries", keys)
	}
	want := []string{chunkKey(1), chunkKey(1) + "_post", chunkKey(2) + "_pre"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}
}

func TestChunkKeysForZeroLength(t *testing.T) {
	if keys := chunkKeysFor(100, 0, 10); keys != nil {
		t.Fatalf("keys = %v, want nil for a zero chunk length", keys)
	}
}

func TestChunkBuffersAppendAndTake(t *testing.T) {
	cb := NewChunkBuffers(10, nil)
	cf := ChunkedFragment{
		Fragment: Fragment{TimeNS: 100, Channel: 1},
		Keys:     []string{chunkKey(0)},
	}
	cb.Append(cf, 8)

	data, ok := cb.Take(chunkKey(0))
	if !ok {
		t.Fatal("Take: chunk not found")
	}
	if len(data) != FragmentHeaderBytes+8 {
		t.Fatalf("len(data) = %d, want %d", len(data), FragmentHeaderBytes+8)
	}

	if _, ok := cb.Take(chunkKey(0)); ok {
		t.Fatal("Take: chunk should have been removed on first Take")
	}
}

func TestChunkBuffersStaleKeys(t *testing.T) {
	cb := NewChunkBuffers(10, nil)
	base := time.Now()
	timeNow = func() time.Time { return base }
	defer func() { timeNow = time.Now }()

	cb.Append(ChunkedFragment{Fragment: Fragment{TimeNS: 0}, Keys: []string{chunkKey(0)}}, 0)

	if stale := cb.StaleKeys(time.Second, base); len(stale) != 0 {
		t.Fatalf("StaleKeys before aging = %v, want none", stale)
	}
	if stale := cb.StaleKeys(time.Second, base.Add(2*time.Second)); len(stale) != 1 || stale[0] != chunkKey(0) {
		t.Fatalf("StaleKeys after aging = %v, want [%q]", stale, chunkKey(0))
	}
}

func TestChunkBuffersWarnsOnLaggingChunk(t *testing.T) {
	var warned string
	cb := NewChunkBuffers(2, func(msg string) { warned = msg })

	cb.Append(ChunkedFragment{Fragment: Fragment{TimeNS: 0}, Keys: []string{chunkKey(10)}}, 0)
	cb.Append(ChunkedFragment{Fragment: Fragment{TimeNS: 0}, Keys: []string{chunkKey(5)}}, 0)

	if warned == "" {
		t.Fatal("expected a warning for a chunk lagging behind the min buffered chunk")
	}
}

func TestBaseChunkIDStripsSuffixes(t *testing.T) {
	if id := baseChunkID([]string{chunkKey(3) + "_pre"}); id != 3 {
		t.Fatalf("baseChunkID = %d, want 3", id)
	}
	if id := baseChunkID([]string{chunkKey(4) + "_post"}); id != 4 {
		t.Fatalf("baseChunkID = %d, want 4", id)
	}
	if id := baseChunkID(nil); id != -1 {
		t.Fatalf("baseChunkID(nil) = %d, want -1", id)
	}
}
