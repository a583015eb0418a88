// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"fmt"
	"time"
)

// BaselineMode selects how the baseline calibrator arrives at a DAC
// value for a channel.
type BaselineMode string

const (
	BaselineFixed  BaselineMode = "fixed"
	BaselineCached BaselineMode = "cached"
	BaselineFit    BaselineMode = "fit"
)

// RunStartMode selects how boards are brought into acquisition once
// armed.
type RunStartMode int

const (
	RunStartSoftware    RunStartMode = 0
	RunStartHardwareSIN RunStartMode = 1
)

// RegisterWrite is one `{reg_hex, val_hex}` entry applied to a board at
// arm time, ahead of baselining.
type RegisterWrite struct {
	Reg uint32 `json:"reg_hex"`
	Val uint32 `json:"val_hex"`
}

// BoardConfig describes one digitizer's place in the readout topology
// and its board-specific configuration.
type BoardConfig struct {
	BID        int             `json:"bid"`
	Link       int             `json:"link"`
	Crate      int             `json:"crate"`
	VMEAddress uint32          `json:"vme_address"`
	Type       string          `json:"type"`
	Registers  []RegisterWrite `json:"registers"`
	Thresholds []uint16        `json:"thresholds"`
	// ChannelMap maps this board's physical channel index to the
	// logical channel id used downstream; an absent entry for an
	// observed channel is a configuration error.
	ChannelMap map[int]int `json:"channel_map"`
}

// RunOptions is the options document read at Arm time (spec "options
// store").
type RunOptions struct {
	ProcessingThreads         map[string]int `json:"processing_threads"`
	BaselineDACMode           BaselineMode   `json:"baseline_dac_mode"`
	BaselineValue             int            `json:"baseline_value"`
	BaselineFixedValue        int            `json:"baseline_fixed_value"`
	RunStart                  RunStartMode   `json:"run_start"`
	StraxFragmentPayloadBytes int            `json:"strax_fragment_payload_bytes"`
	BufferType                string         `json:"buffer_type"`
	Boards                    []BoardConfig  `json:"boards"`
}

// DefaultRunOptions returns the documented field defaults, to be
// overlaid with whatever the stored document actually sets.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		ProcessingThreads:         make(map[string]int),
		BaselineDACMode:           BaselineFit,
		BaselineValue:             16000,
		BaselineFixedValue:        0x0FA0,
		RunStart:                  RunStartSoftware,
		StraxFragmentPayloadBytes: 220,
		BufferType:                "dual",
	}
}

// LastRunOptions returns DefaultRunOptions with Boards filled from the
// boards table rows for runID (bid, link, crate, vme_address, type).
// No other option field is read from the database, and each board's
// Registers, Thresholds and ChannelMap are left empty.
func (db *DB) LastRunOptions(ctx context.Context, runID string) (RunOptions, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := DefaultRunOptions()

	rows, err := db.db.QueryContext(
		ctx,
		`SELECT bid, link, crate, vme_address, type FROM boards WHERE run_id=? ORDER BY bid`,
		runID,
	)
	if err != nil {
		return opts, fmt.Errorf("store: could not query boards for run %q: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var b BoardConfig
		if err := rows.Scan(&b.BID, &b.Link, &b.Crate, &b.VMEAddress, &b.Type); err != nil {
			return opts, fmt.Errorf("store: could not scan board row for run %q: %w", runID, err)
		}
		opts.Boards = append(opts.Boards, b)
	}
	if err := rows.Err(); err != nil {
		return opts, fmt.Errorf("store: could not scan boards for run %q: %w", runID, err)
	}
	if err := ctx.Err(); err != nil {
		return opts, fmt.Errorf("store: context error while retrieving run %q: %w", runID, err)
	}

	return opts, nil
}
