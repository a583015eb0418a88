// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package control

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/coderdj/dax/digitizer"
	"github.com/coderdj/dax/store"
)

func fakeBusFor(nch int) Bus {
	return func(bc store.BoardConfig) (digitizer.Bus, error) {
		return digitizer.NewFake(digitizer.VariantBase, nch), nil
	}
}

func testOptions(nBoards int) store.RunOptions {
	opts := store.DefaultRunOptions()
	opts.BaselineDACMode = store.BaselineFixed
	opts.BaselineValue = 16000
	opts.RunStart = store.RunStartHardwareSIN
	opts.StraxFragmentPayloadBytes = 8
	for i := 0; i < nBoards; i++ {
		opts.Boards = append(opts.Boards, store.BoardConfig{
			BID:        i,
			Link:       0,
			Crate:      0,
			VMEAddress: uint32(0x1000 * (i + 1)),
			ChannelMap: map[int]int{0: 0, 1: 1},
		})
	}
	return opts
}

func discardLogger() *log.Logger {
	return log.New(log.Writer(), "", 0)
}

func TestControllerArmStartStopCycle(t *testing.T) {
	ctrl := New(nil, fakeBusFor(2), discardLogger(), nil)

	if got := ctrl.State(); got != Idle {
		t.Fatalf("initial state = %v, want Idle", got)
	}

	if err := ctrl.Arm(context.Background(), testOptions(1)); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if got := ctrl.State(); got != Armed {
		t.Fatalf("state after Arm = %v, want Armed", got)
	}

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := ctrl.State(); got != Running {
		t.Fatalf("state after Start = %v, want Running", got)
	}

	time.Sleep(10 * time.Millisecond)

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ctrl.State(); got != Idle {
		t.Fatalf("state after Stop = %v, want Idle", got)
	}
}

func TestControllerStartFromIdleFails(t *testing.T) {
	ctrl := New(nil, fakeBusFor(2), discardLogger(), nil)
	if err := ctrl.Start(); err == nil {
		t.Fatal("expected an error starting from Idle")
	}
}

func TestControllerStopFromIdleFails(t *testing.T) {
	ctrl := New(nil, fakeBusFor(2), discardLogger(), nil)
	if err := ctrl.Stop(); err == nil {
		t.Fatal("expected an error stopping from Idle")
	}
}

func TestControllerArmOpenBusFailureReturnsToIdle(t *testing.T) {
	ctrl := New(nil, func(bc store.BoardConfig) (digitizer.Bus, error) {
		return nil, errBusOpenFailed{}
	}, discardLogger(), nil)

	if err := ctrl.Arm(context.Background(), testOptions(1)); err == nil {
		t.Fatal("expected Arm to fail when openBus fails")
	}
	if got := ctrl.State(); got != Idle {
		t.Fatalf("state after failed Arm = %v, want Idle", got)
	}
}

type errBusOpenFailed struct{}

func (errBusOpenFailed) Error() string { return "could not open bus" }

func TestControllerResetClearsErrorOnly(t *testing.T) {
	ctrl := New(nil, fakeBusFor(2), discardLogger(), nil)
	ctrl.mu.Lock()
	ctrl.state = Error
	ctrl.mu.Unlock()

	ctrl.Reset()
	if got := ctrl.State(); got != Idle {
		t.Fatalf("state after Reset = %v, want Idle", got)
	}

	ctrl.Reset() // no-op from Idle
	if got := ctrl.State(); got != Idle {
		t.Fatalf("state after second Reset = %v, want Idle", got)
	}
}

func TestControllerStatusReportsStateAndRunMode(t *testing.T) {
	ctrl := New(nil, fakeBusFor(2), discardLogger(), nil)
	if err := ctrl.Arm(context.Background(), testOptions(1)); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	status := ctrl.Status()
	if status.State != "armed" {
		t.Fatalf("status.State = %q, want %q", status.State, "armed")
	}
	if status.RunMode != "hardware_sin" {
		t.Fatalf("status.RunMode = %q, want %q", status.RunMode, "hardware_sin")
	}

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
