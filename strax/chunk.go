// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

import (
	"fmt"
	"sync"
	"time"
)

// KeyWidth is the zero-padded decimal width of a chunk id in its key.
const KeyWidth = 6

// chunkKeysFor returns the chunk key(s) a fragment at timeNS belongs
// to. A fragment landing in the last overlapNS of chunk N is also
// placed in N_post and (N+1)_pre.
func chunkKeysFor(timeNS int64, chunkLength int64, overlapNS int64) []string {
	if chunkLength <= 0 {
		return nil
	}
	chunkID := timeNS / chunkLength
	keys := []string{chunkKey(chunkID)}

	boundary := (chunkID+1)*chunkLength - timeNS
	if boundary <= overlapNS {
		keys = append(keys, chunkKey(chunkID)+"_post", chunkKey(chunkID+1)+"_pre")
	}
	return keys
}

func chunkKey(id int64) string {
	return fmt.Sprintf("%0*d", KeyWidth, id)
}

// ChunkBuffers accumulates fragment bytes per chunk key, grounded on
// AddFragmentToBuffer's nextpre/_pre/_post bookkeeping: an ordinary map
// keyed by "NNNNNN[_pre|_post]", fragments appended as contiguous
// bytes, with per-key last-touched tracking for staleness detection.
type ChunkBuffers struct {
	mu              sync.Mutex
	buf             map[string][]byte
	lastSeen        map[string]time.Time
	warnOlderThan   int64 // chunk ids
	minBuffered     int64
	haveMinBuffered bool
	onWarn          func(string)
}

// NewChunkBuffers returns an empty ChunkBuffers. warnOlderThan bounds
// how far behind min(buffered_chunks) a newly-appended chunk id may lag
// before a warning fires.
func NewChunkBuffers(warnOlderThan int64, onWarn func(string)) *ChunkBuffers {
	return &ChunkBuffers{
		buf:           make(map[string][]byte),
		lastSeen:      make(map[string]time.Time),
		warnOlderThan: warnOlderThan,
		onWarn:        onWarn,
	}
}

// Append adds a fragment's encoded bytes under every key it belongs to.
func (c *ChunkBuffers) Append(cf ChunkedFragment, payloadBytes int) {
	encoded := cf.Fragment.Encode(payloadBytes)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range cf.Keys {
		c.buf[key] = append(c.buf[key], encoded...)
		c.lastSeen[key] = timeNow()
	}

	baseID := baseChunkID(cf.Keys)
	if baseID < 0 {
		return
	}
	switch {
	case !c.haveMinBuffered:
		c.minBuffered = baseID
		c.haveMinBuffered = true
	case baseID < c.minBuffered-c.warnOlderThan:
		if c.onWarn != nil {
			c.onWarn(fmt.Sprintf("chunk %d more than %d behind min buffered chunk %d", baseID, c.warnOlderThan, c.minBuffered))
		}
	case baseID > c.minBuffered+2:
		if c.onWarn != nil {
			c.onWarn(fmt.Sprintf("chunk %d skips ahead of min buffered chunk %d", baseID, c.minBuffered))
		}
		c.minBuffered = baseID
	case baseID < c.minBuffered:
		c.minBuffered = baseID
	}
}

// Take removes and returns the buffer for key, if present.
func (c *ChunkBuffers) Take(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buf[key]
	if ok {
		delete(c.buf, key)
		delete(c.lastSeen, key)
	}
	return b, ok
}

// StaleKeys returns keys not updated within maxAge, i.e. considered
// complete and ready to flush.
func (c *ChunkBuffers) StaleKeys(maxAge time.Duration, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, seen := range c.lastSeen {
		if now.Sub(seen) >= maxAge {
			keys = append(keys, key)
		}
	}
	return keys
}

// AllKeys returns every buffered chunk key, used to flush everything on
// shutdown.
func (c *ChunkBuffers) AllKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.buf))
	for key := range c.buf {
		keys = append(keys, key)
	}
	return keys
}

func baseChunkID(keys []string) int64 {
	for _, k := range keys {
		base := k
		for _, suf := range []string{"_pre", "_post"} {
			if len(base) > len(suf) && base[len(base)-len(suf):] == suf {
				base = base[:len(base)-len(suf)]
			}
		}
		var id int64
		if _, err := fmt.Sscanf(base, "%d", &id); err == nil {
			return id
		}
	}
	return -1
}

// timeNow exists so tests can be deterministic without reaching for
// time.Now directly in the hot append path; production callers get
// wall-clock time.
var timeNow = time.Now
