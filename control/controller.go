// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package control implements the state machine that coordinates the
// device interfaces, board registry, calibrator, readers, and
// formatters of one host into a single Idle/Arming/Armed/Running/Error
// run cycle, and the command server an orchestrator drives it through.
package control // import "github.com/coderdj/dax/control"

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/coderdj/dax/boards"
	"github.com/coderdj/dax/calib"
	"github.com/coderdj/dax/digitizer"
	"github.com/coderdj/dax/readout"
	"github.com/coderdj/dax/store"
	"github.com/coderdj/dax/strax"
)

// State is one node of the controller's run-cycle state machine.
type State int

const (
	Idle State = iota
	Arming
	Armed
	Running
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Arming:
		return "arming"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// readyStopTimeout bounds how long Stop waits for every link's running
// flag to clear before giving up and forcing the teardown through.
const readyStopTimeout = 10 * 100 * time.Millisecond

// pollTries/pollSleep bound the EnsureReady/Started/Stopped polls
// issued around a board's start-of-run transitions, a 1s timeout
// spread over 10 tries of 100ms each.
const (
	pollTries = 10
	pollSleep = 100 * time.Millisecond
)

// Chunk geometry isn't part of the options document (the options
// document only carries processing/baseline/run-start/boards fields);
// it is a per-host deployment constant here, sized the way strax itself
// defaults its chunking.
const (
	defaultChunkLengthNS = int64(1e9) // 1s
	defaultOverlapNS     = int64(1e7) // 10ms
)

// Bus opens a hardware transport for one board descriptor. Production
// callers dial the real VME driver; tests substitute digitizer.Fake.
type Bus func(desc store.BoardConfig) (digitizer.Bus, error)

// link groups everything the controller owns for one optical link:
// the reader pulling packets off its boards, and one formatter task
// per board draining that reader's queue.
type link struct {
	reader *readout.Reader
	cancel context.CancelFunc

	stopFns []func()
}

// Controller is the per-host run-cycle state machine, grounded on
// DAQController's Arm/Start/Stop sequencing.
type Controller struct {
	mu    sync.Mutex
	state State

	registry *boards.Registry
	openBus  Bus
	db       *store.DB
	msg      *log.Logger
	onAlert  func(reason string)

	runOptions store.RunOptions
	links      map[int]*link
	stats      map[int]*strax.Stats // by bid, aggregated for Status
}

// New returns an Idle Controller. openBus is the hook production code
// uses to dial real VME hardware; onAlert, if non-nil, is invoked
// whenever the controller elevates to Error.
func New(db *store.DB, openBus Bus, msg *log.Logger, onAlert func(reason string)) *Controller {
	return &Controller{
		state:    Idle,
		registry: boards.New(),
		openBus:  openBus,
		db:       db,
		msg:      msg,
		onAlert:  onAlert,
		links:    make(map[int]*link),
		stats:    make(map[int]*strax.Stats),
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reset clears an Error state back to Idle. It is a no-op from any
// other state.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Error {
		c.state = Idle
	}
}

// Arm instantiates one device interface per board descriptor in opts,
// groups them by link, initializes each, and runs the baseline
// calibrator in parallel per link. Idle -> Arming -> {Armed, Error,
// Idle}.
func (c *Controller) Arm(ctx context.Context, opts store.RunOptions) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return xerrors.Errorf("control: cannot arm from state %s", c.state)
	}
	c.state = Arming
	c.mu.Unlock()

	if err := c.armLocked(ctx, opts); err != nil {
		c.mu.Lock()
		if c.state != Error {
			c.state = Idle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state = Armed
	c.mu.Unlock()
	return nil
}

func (c *Controller) armLocked(ctx context.Context, opts store.RunOptions) error {
	c.registry = boards.New()
	c.links = make(map[int]*link)
	c.stats = make(map[int]*strax.Stats)
	c.runOptions = opts

	for _, bc := range opts.Boards {
		bus, err := c.openBus(bc)
		if err != nil {
			return xerrors.Errorf("control: could not open bus for bid=%d: %w", bc.BID, err)
		}
		desc := digitizer.Descriptor{
			Link:      bc.Link,
			Crate:     bc.Crate,
			BID:       bc.BID,
			VMEAddr:   bc.VMEAddress,
			NChannels: len(bc.ChannelMap),
		}
		dev := digitizer.New(desc, bus, c.msg)
		if err := dev.Init(bc.Link, bc.Crate, bc.BID, bc.VMEAddress); err != nil {
			return xerrors.Errorf("control: bid=%d Init failed: %w", bc.BID, err)
		}
		for _, reg := range bc.Registers {
			if err := dev.WriteRegister(reg.Reg, reg.Val); err != nil {
				return xerrors.Errorf("control: bid=%d could not load register 0x%x: %w", bc.BID, reg.Reg, err)
			}
		}
		if len(bc.Thresholds) > 0 {
			if err := dev.SetThresholds(bc.Thresholds); err != nil {
				return xerrors.Errorf("control: bid=%d could not set thresholds: %w", bc.BID, err)
			}
		}
		if err := c.registry.Register(dev); err != nil {
			return xerrors.Errorf("control: %w", err)
		}
	}

	if err := c.runCalibration(ctx, opts); err != nil {
		return err
	}

	if err := c.startFormatting(opts); err != nil {
		return err
	}

	startMode := opts.RunStart
	for _, dev := range c.registry.All() {
		if startMode == store.RunStartHardwareSIN {
			if err := dev.SINStart(); err != nil {
				return xerrors.Errorf("control: bid=%d SINStart failed: %w", dev.Descriptor().BID, err)
			}
		} else {
			if err := dev.AcquisitionStop(); err != nil {
				return xerrors.Errorf("control: bid=%d AcquisitionStop failed: %w", dev.Descriptor().BID, err)
			}
		}
	}

	return nil
}

// runCalibration runs the baseline calibrator once per link,
// concurrently, so one link's fit does not block another's.
func (c *Controller) runCalibration(ctx context.Context, opts store.RunOptions) error {
	mode := calib.ModeFixed
	switch opts.BaselineDACMode {
	case store.BaselineCached:
		mode = calib.ModeCached
	case store.BaselineFit:
		mode = calib.ModeFit
	}

	target := opts.BaselineValue
	if mode == calib.ModeFixed {
		target = opts.BaselineFixedValue
	}

	var (
		mu   sync.Mutex
		hard bool
	)

	grp, _ := errgroup.WithContext(ctx)
	for _, linkID := range c.registry.Links() {
		linkID := linkID
		devs := c.registry.BoardsOnLink(linkID)
		grp.Go(func() error {
			boardList := make([]calib.Board, 0, len(devs))
			for _, dev := range devs {
				boardList = append(boardList, calib.Board{Dev: dev, NChannels: dev.Descriptor().NChannels})
			}

			cached := make(map[int]digitizer.Calibration)
			if mode == calib.ModeCached && c.db != nil {
				for _, dev := range devs {
					bid := dev.Descriptor().BID
					cal, err := c.db.Calibration(ctx, bid)
					if err == nil {
						cached[bid] = digitizer.Calibration{Slope: cal.Slope, Yint: cal.Yint}
					}
				}
			}

			res, dacs, fitted, err := runOneLink(boardList, mode, target, cached, c.msg)
			if err != nil {
				return err
			}

			if res == calib.HardwareError {
				mu.Lock()
				hard = true
				mu.Unlock()
				return xerrors.Errorf("control: link=%d calibration reported a fatal hardware error", linkID)
			}
			if res != calib.Converged {
				return xerrors.Errorf("control: link=%d calibration did not converge", linkID)
			}

			for _, dev := range devs {
				bid := dev.Descriptor().BID
				if vals, ok := dacs[bid]; ok {
					_ = dev.LoadDAC(vals)
				}
				if cal, ok := fitted[bid]; ok && c.db != nil {
					_ = c.db.PutCalibration(ctx, bid, store.Calibration{Slope: cal.Slope, Yint: cal.Yint})
				}
			}
			return nil
		})
	}

	err := grp.Wait()
	if hard {
		c.mu.Lock()
		c.state = Error
		c.mu.Unlock()
		if c.onAlert != nil {
			c.onAlert("baseline calibration reported a fatal hardware error")
		}
	}
	return err
}

// runOneLink is a thin indirection so tests can stub calibration
// without spinning up real hardware fakes for every board.
var runOneLink = func(boardList []calib.Board, mode calib.Mode, target int, cached map[int]digitizer.Calibration, msg *log.Logger) (calib.Result, map[int][]uint16, map[int]digitizer.Calibration, error) {
	res, dacs, cal := calib.Run(boardList, mode, target, cached, msg)
	return res, dacs, cal, nil
}

func (c *Controller) startFormatting(opts store.RunOptions) error {
	for _, linkID := range c.registry.Links() {
		devs := c.registry.BoardsOnLink(linkID)
		lk := &link{}

		checkErrs := make(map[int]*atomic.Bool)
		for _, dev := range devs {
			checkErrs[dev.Descriptor().BID] = new(atomic.Bool)
		}

		lk.reader = &readout.Reader{
			Link:       linkID,
			Boards:     devs,
			Queues:     make(map[int]*readout.BoardQueue),
			CheckError: checkErrs,
			Msg:        c.msg,
		}

		for _, dev := range devs {
			bid := dev.Descriptor().BID
			queue := readout.NewBoardQueue()
			lk.reader.Queues[bid] = queue

			channelMap := strax.ChannelMap{}
			if bc := boardConfigFor(opts, bid); bc != nil {
				for phys, logical := range bc.ChannelMap {
					channelMap[phys] = logical
				}
			}

			parser := strax.NewParserForBoard(dev, channelMap, opts.StraxFragmentPayloadBytes, defaultChunkLengthNS, defaultOverlapNS)
			parser.CheckError = func() { checkErrs[bid].Store(true) }

			stats := strax.NewStats()
			c.stats[bid] = stats

			fmtr := &strax.Formatter{
				Parser:       parser,
				Queue:        queue,
				Chunks:       strax.NewChunkBuffers(3, func(w string) { c.msg.Printf("strax: bid=%d %s", bid, w) }),
				Stats:        stats,
				Msg:          c.msg,
				PayloadBytes: opts.StraxFragmentPayloadBytes,
				FlushAge:     time.Second,
			}
			stop := make(chan struct{})
			lk.stopFns = append(lk.stopFns, func() { close(stop) })
			go func() {
				if err := fmtr.Run(stop); err != nil {
					checkErrs[bid].Store(true)
				}
			}()
		}

		readerCtx, cancel := context.WithCancel(context.Background())
		lk.cancel = cancel
		go lk.reader.Run(readerCtx)

		c.links[linkID] = lk
	}
	return nil
}

func boardConfigFor(opts store.RunOptions, bid int) *store.BoardConfig {
	for i := range opts.Boards {
		if opts.Boards[i].BID == bid {
			return &opts.Boards[i]
		}
	}
	return nil
}

// Start transitions Armed -> Running. In software-start mode it walks
// every board through EnsureReady/SoftwareStart/EnsureStarted; in
// hardware-SIN mode the boards are already armed and this is a no-op.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state != Armed {
		c.mu.Unlock()
		return xerrors.Errorf("control: cannot start from state %s", c.state)
	}
	opts := c.runOptions
	c.mu.Unlock()

	if opts.RunStart == store.RunStartSoftware {
		for _, dev := range c.registry.All() {
			if !dev.EnsureReady(pollTries, pollSleep) {
				return c.fail(xerrors.Errorf("control: bid=%d not ready", dev.Descriptor().BID))
			}
			if err := dev.SoftwareStart(); err != nil {
				return c.fail(xerrors.Errorf("control: bid=%d SoftwareStart failed: %w", dev.Descriptor().BID, err))
			}
			if !dev.EnsureStarted(pollTries, pollSleep) {
				return c.fail(xerrors.Errorf("control: bid=%d not started", dev.Descriptor().BID))
			}
		}
	}

	c.mu.Lock()
	c.state = Running
	c.mu.Unlock()
	return nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.state = Error
	c.mu.Unlock()
	if c.onAlert != nil {
		c.onAlert(err.Error())
	}
	return err
}

// Stop transitions Running -> Idle. It signals every link's reader to
// exit, waits up to readyStopTimeout for the running flags to clear,
// stops acquisition on every board, closes the formatter tasks and
// drains their queues. If a board fails to stop, the controller moves
// to Error instead of Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return xerrors.Errorf("control: cannot stop from state %s", c.state)
	}
	links := c.links
	c.mu.Unlock()

	for _, lk := range links {
		lk.cancel()
	}

	deadline := time.Now().Add(readyStopTimeout)
	for {
		allClear := true
		for _, lk := range links {
			if lk.reader.Running() {
				allClear = false
			}
		}
		if allClear || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	grp, _ := errgroup.WithContext(context.Background())
	for _, dev := range c.registry.All() {
		dev := dev
		grp.Go(func() error {
			if err := dev.AcquisitionStop(); err != nil {
				return err
			}
			if !dev.EnsureStopped(pollTries, pollSleep) {
				return xerrors.Errorf("control: bid=%d did not stop", dev.Descriptor().BID)
			}
			return nil
		})
	}
	stopErr := grp.Wait()

	for _, lk := range links {
		for _, stop := range lk.stopFns {
			stop()
		}
		for _, q := range lk.reader.Queues {
			q.Discard()
		}
	}

	if stopErr != nil {
		return c.fail(xerrors.Errorf("control: error stopping boards: %w", stopErr))
	}

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	return nil
}

// Status is the point-in-time document reported to the orchestrator.
type Status struct {
	State           string          `json:"status"`
	RunMode         string          `json:"run_mode"`
	BufferLength    int64           `json:"buffer_length"`
	DataRateBytes   int64           `json:"data_rate"`
	PerChannelBytes map[int16]int64 `json:"per_channel_bytes"`
	Errors          map[int]bool    `json:"board_errors,omitempty"`
}

// Status snapshots the controller's current state, aggregate queue
// length, and data rate since the last call (each board's Stats.
// ResetRate is atomically drained).
func (c *Controller) Status() Status {
	c.mu.Lock()
	state := c.state
	links := c.links
	c.mu.Unlock()

	var (
		bufLen  int64
		rate    int64
		perChan = make(map[int16]int64)
	)
	for _, lk := range links {
		for _, q := range lk.reader.Queues {
			bufLen += q.Length()
		}
	}
	for _, stats := range c.stats {
		rate += stats.ResetRate()
		for ch, b := range stats.Snapshot().PerChannelBytes {
			perChan[ch] += b
		}
	}

	runMode := "software"
	if c.runOptions.RunStart == store.RunStartHardwareSIN {
		runMode = "hardware_sin"
	}

	return Status{
		State:           state.String(),
		RunMode:         runMode,
		BufferLength:    bufLen,
		DataRateBytes:   rate,
		PerChannelBytes: perChan,
	}
}
