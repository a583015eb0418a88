// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package readout

import "testing"

func TestBoardQueuePushPop(t *testing.T) {
	q := NewBoardQueue()
	q.Push(&Packet{BID: 1, Buf: make([]byte, 10)})
	q.Push(&Packet{BID: 1, Buf: make([]byte, 20)})

	if q.Length() != 2 {
		t.Fatalf("Length() = %d, want 2", q.Length())
	}
	if q.ByteSize() != 30 {
		t.Fatalf("ByteSize() = %d, want 30", q.ByteSize())
	}

	p, ok := q.Pop()
	if !ok || len(p.Buf) != 10 {
		t.Fatalf("Pop() = %+v, %v; want first-pushed packet", p, ok)
	}
	if q.Length() != 1 || q.ByteSize() != 20 {
		t.Fatalf("counters after one pop: length=%d byteSize=%d, want 1, 20", q.Length(), q.ByteSize())
	}

	_, _ = q.Pop()
	if q.Length() != 0 || q.ByteSize() != 0 {
		t.Fatalf("counters after draining: length=%d byteSize=%d, want 0, 0", q.Length(), q.ByteSize())
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue should report ok=false")
	}
}

func TestBoardQueueDiscard(t *testing.T) {
	q := NewBoardQueue()
	q.Push(&Packet{BID: 1, Buf: make([]byte, 5)})
	q.Discard()
	if q.Length() != 0 || q.ByteSize() != 0 {
		t.Fatalf("after Discard: length=%d byteSize=%d, want 0, 0", q.Length(), q.ByteSize())
	}
}
