// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package strax

// Writer is the external collaborator boundary the formatter flushes
// completed chunk buffers to. Implementations own durability (disk,
// object store, message queue); the formatter only knows the key and
// the bytes.
type Writer interface {
	WriteChunk(key string, data []byte) error
}
