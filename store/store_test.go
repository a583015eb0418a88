// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"

	"github.com/coderdj/dax/internal/fakedb"
)

func init() {
	drvName = "fakedb"
}

func TestOpen(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer db.Close()
}

func TestLastRunOptionsBoards(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer db.Close()

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names: []string{"bid", "link", "crate", "vme_address", "type"},
		Values: [][]driver.Value{
			{int64(1), int64(0), int64(0), int64(0xA00000), "base"},
		},
	}, func(ctx context.Context) error {
		opts, err := db.LastRunOptions(ctx, "run-0001")
		if err != nil {
			t.Fatalf("could not retrieve run options: %+v", err)
		}
		if len(opts.Boards) != 1 {
			t.Fatalf("len(boards) = %d, want 1", len(opts.Boards))
		}
		if got, want := opts.Boards[0].BID, 1; got != want {
			t.Fatalf("bid = %d, want %d", got, want)
		}
		return nil
	})
}

func TestDefaultRunOptions(t *testing.T) {
	opts := DefaultRunOptions()
	if opts.BaselineValue != 16000 {
		t.Fatalf("baseline value = %d, want 16000", opts.BaselineValue)
	}
	if opts.BaselineDACMode != BaselineFit {
		t.Fatalf("baseline mode = %q, want %q", opts.BaselineDACMode, BaselineFit)
	}
}

func TestCalibration(t *testing.T) {
	db, err := Open("fakedb")
	if err != nil {
		t.Fatalf("could not open store: %+v", err)
	}
	defer db.Close()

	blob, err := json.Marshal(Calibration{Slope: []float64{0.1}, Yint: []float64{200}})
	if err != nil {
		t.Fatalf("could not encode calibration: %+v", err)
	}

	_ = fakedb.Run(context.Background(), fakedb.Rows{
		Names:  []string{"document"},
		Values: [][]driver.Value{{blob}},
	}, func(ctx context.Context) error {
		cal, err := db.Calibration(ctx, 42)
		if err != nil {
			t.Fatalf("could not retrieve calibration: %+v", err)
		}
		if len(cal.Slope) != 1 || cal.Slope[0] != 0.1 {
			t.Fatalf("unexpected calibration: %+v", cal)
		}
		return nil
	})
}
