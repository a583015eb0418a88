// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import "sync"

// Stats holds the running counters a formatter task reports, grounded
// on StraxFormatter's benchmark dump (fBytesProcessed,
// fFragmentsProcessed, fDataPerChan).
type Stats struct {
	mu                 sync.Mutex
	bytesProcessed     int64
	rateBytes          int64 // bytes since the last ResetRate call
	fragmentsProcessed int64
	eventsProcessed    int64
	failCount          int64
	perChannelBytes    map[int16]int64
}

// NewStats returns a zeroed Stats.
func NewStats() *Stats {
	return &Stats{perChannelBytes: make(map[int16]int64)}
}

// AddFragment records one produced fragment's contribution to the
// running totals.
func (s *Stats) AddFragment(f Fragment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragmentsProcessed++
	s.bytesProcessed += int64(len(f.Payload))
	s.rateBytes += int64(len(f.Payload))
	s.perChannelBytes[f.Channel] += int64(len(f.Payload))
}

// AddEvent increments the processed-event counter.
func (s *Stats) AddEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsProcessed++
}

// AddFail increments the board-fail counter.
func (s *Stats) AddFail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCount++
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BytesProcessed     int64
	FragmentsProcessed int64
	EventsProcessed    int64
	FailCount          int64
	PerChannelBytes    map[int16]int64
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	perChan := make(map[int16]int64, len(s.perChannelBytes))
	for k, v := range s.perChannelBytes {
		perChan[k] = v
	}
	return Snapshot{
		BytesProcessed:     s.bytesProcessed,
		FragmentsProcessed: s.fragmentsProcessed,
		EventsProcessed:    s.eventsProcessed,
		FailCount:          s.failCount,
		PerChannelBytes:    perChan,
	}
}

// ResetRate returns the bytes processed since the last call and resets
// the counter to zero, the way the controller's data_rate figure is
// computed as "bytes since last poll, atomically reset on read".
func (s *Stats) ResetRate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	rate := s.rateBytes
	s.rateBytes = 0
	return rate
}
