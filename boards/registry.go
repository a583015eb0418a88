// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package boards holds the registry of digitizer instances owned by
// this host, indexed by board id and grouped by optical link.
package boards // import "github.com/coderdj/dax/boards"

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coderdj/dax/digitizer"
)

// Registry indexes every digitizer.Device owned by this host by board
// id, and groups them by the optical link they hang off, generalizing
// the per-RFM sink slices `eda.Device` keeps.
type Registry struct {
	mu    sync.RWMutex
	byBID map[int]*digitizer.Device
	links map[int][]int // link id -> sorted board ids
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byBID: make(map[int]*digitizer.Device),
		links: make(map[int][]int),
	}
}

// Register adds dev under its own descriptor's board id. Registering
// the same board id twice is an error; board descriptors are immutable
// once registered.
func (r *Registry) Register(dev *digitizer.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bid := dev.Descriptor().BID
	if _, ok := r.byBID[bid]; ok {
		return fmt.Errorf("boards: bid=%d already registered", bid)
	}
	r.byBID[bid] = dev

	link := dev.Descriptor().Link
	r.links[link] = append(r.links[link], bid)
	sort.Ints(r.links[link])
	return nil
}

// Unregister removes bid from the registry, if present.
func (r *Registry) Unregister(bid int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.byBID[bid]
	if !ok {
		return
	}
	delete(r.byBID, bid)

	link := dev.Descriptor().Link
	ids := r.links[link]
	for i, id := range ids {
		if id == bid {
			r.links[link] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.links[link]) == 0 {
		delete(r.links, link)
	}
}

// Board returns the device registered under bid.
func (r *Registry) Board(bid int) (*digitizer.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.byBID[bid]
	return dev, ok
}

// Links returns the sorted set of link ids that currently own at least
// one board.
func (r *Registry) Links() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	links := make([]int, 0, len(r.links))
	for link := range r.links {
		links = append(links, link)
	}
	sort.Ints(links)
	return links
}

// BoardsOnLink returns the boards on link, in ascending bid order.
func (r *Registry) BoardsOnLink(link int) []*digitizer.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.links[link]
	devs := make([]*digitizer.Device, 0, len(ids))
	for _, bid := range ids {
		devs = append(devs, r.byBID[bid])
	}
	return devs
}

// Len returns the number of registered boards.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byBID)
}

// All returns every registered board, in ascending bid order.
func (r *Registry) All() []*digitizer.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bids := make([]int, 0, len(r.byBID))
	for bid := range r.byBID {
		bids = append(bids, bid)
	}
	sort.Ints(bids)

	devs := make([]*digitizer.Device, 0, len(bids))
	for _, bid := range bids {
		devs = append(devs, r.byBID[bid])
	}
	return devs
}
