// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultCalibrationKey is the board id used as a fallback when no
// calibration document exists for a specific board.
const DefaultCalibrationKey = -1

// Calibration is one board's per-channel DAC-to-baseline linear fit.
type Calibration struct {
	Slope []float64 `json:"slope"`
	Yint  []float64 `json:"yint"`
}

// Calibration fetches the DAC calibration for bid, falling back to
// DefaultCalibrationKey's document when bid has none stored.
func (db *DB) Calibration(ctx context.Context, bid int) (Calibration, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cal, err := db.calibrationFor(ctx, bid)
	if err == nil {
		return cal, nil
	}
	return db.calibrationFor(ctx, DefaultCalibrationKey)
}

func (db *DB) calibrationFor(ctx context.Context, bid int) (Calibration, error) {
	var cal Calibration
	var blob []byte

	rows, err := db.db.QueryContext(
		ctx,
		`SELECT document FROM dac_calibrations WHERE bid=? ORDER BY datetime DESC LIMIT 1`,
		bid,
	)
	if err != nil {
		return cal, fmt.Errorf("store: could not query calibration for bid=%d: %w", bid, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		if err := rows.Scan(&blob); err != nil {
			return cal, fmt.Errorf("store: could not scan calibration for bid=%d: %w", bid, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return cal, fmt.Errorf("store: could not scan calibration rows for bid=%d: %w", bid, err)
	}
	if !found {
		return cal, fmt.Errorf("store: no calibration document for bid=%d", bid)
	}

	if err := json.Unmarshal(blob, &cal); err != nil {
		return cal, fmt.Errorf("store: could not decode calibration for bid=%d: %w", bid, err)
	}
	return cal, nil
}

// PutCalibration writes (or overwrites) the DAC calibration for bid.
func (db *DB) PutCalibration(ctx context.Context, bid int, cal Calibration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	blob, err := json.Marshal(cal)
	if err != nil {
		return fmt.Errorf("store: could not encode calibration for bid=%d: %w", bid, err)
	}

	_, err = db.db.ExecContext(
		ctx,
		`INSERT INTO dac_calibrations (bid, document, datetime) VALUES (?, ?, NOW())`,
		bid, blob,
	)
	if err != nil {
		return fmt.Errorf("store: could not write calibration for bid=%d: %w", bid, err)
	}
	return nil
}
