// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package digitizer implements the device interface (DI) to a single VME
// digitizer board: register access, block-transfer readout, acquisition
// control and clock-rollover bookkeeping.
package digitizer // import "github.com/coderdj/dax/digitizer"

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/xerrors"
)

// Bus abstracts the VME transport a Device talks over. It is implemented
// by the real optical-link/VME driver in production and by Fake in
// tests; digitizer never touches hardware directly.
type Bus interface {
	ReadRegister(vmeAddr uint32, reg uint32) (uint32, error)
	WriteRegister(vmeAddr uint32, reg uint32, val uint32) error
	// ReadBLT performs one block transfer starting at reg into buf,
	// returning the number of bytes actually transferred. It returns a
	// negative count, per the documented convention, on a transport
	// error distinct from an empty-board condition.
	ReadBLT(vmeAddr uint32, reg uint32, buf []byte) (int, error)
}

// Calibration holds a channel's linear DAC-to-baseline fit, `baseline =
// slope * dac + yint`, as produced by a fit-mode calibrator run and
// reused thereafter in cached mode.
type Calibration struct {
	Slope []float64
	Yint  []float64
}

// Descriptor locates one board on the readout topology: which optical
// link it hangs off, which crate and VME base address, and its logical
// board id used to key queues, calibration and chunk buffers.
type Descriptor struct {
	Link      int
	Crate     int
	BID       int
	VMEAddr   uint32
	NChannels int
}

// Device is the device interface to one VME digitizer board.
type Device struct {
	desc Descriptor
	bus  Bus
	cfg  config

	format Format
	regs   registers

	rollover rolloverState

	msg *log.Logger
}

// New constructs a Device bound to desc and communicating over bus. It
// does not touch hardware; call Init to do that.
func New(desc Descriptor, bus Bus, msg *log.Logger, opts ...Option) *Device {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if msg == nil {
		msg = log.Default()
	}
	return &Device{
		desc:   desc,
		bus:    bus,
		cfg:    cfg,
		format: formatFor(cfg.variant),
		regs:   registersFor(cfg.variant),
		msg:    msg,
	}
}

// Init binds the device to its link/crate/bid/VME address and verifies
// the board answers on the bus by reading its acquisition status.
func (d *Device) Init(link, crate, bid int, vmeAddr uint32) error {
	d.desc.Link = link
	d.desc.Crate = crate
	d.desc.BID = bid
	d.desc.VMEAddr = vmeAddr
	if _, err := d.ReadRegister(d.regs.acqStatus); err != nil {
		return xerrors.Errorf("digitizer: init bid=%d: %w", bid, err)
	}
	return nil
}

// ReadRegister reads a single VME register.
func (d *Device) ReadRegister(reg uint32) (uint32, error) {
	v, err := d.bus.ReadRegister(d.desc.VMEAddr, reg)
	if err != nil {
		return 0, xerrors.Errorf("digitizer: read register 0x%x bid=%d: %w", reg, d.desc.BID, err)
	}
	return v, nil
}

// WriteRegister writes a single VME register.
func (d *Device) WriteRegister(reg uint32, val uint32) error {
	if err := d.bus.WriteRegister(d.desc.VMEAddr, reg, val); err != nil {
		return xerrors.Errorf("digitizer: write register 0x%x bid=%d: %w", reg, d.desc.BID, err)
	}
	return nil
}

// ReadMBLT issues one Bus.ReadBLT call into out and returns the number
// of bytes it transferred; it does not repeat the transfer until the
// board reports empty. A negative return indicates a transport error.
func (d *Device) ReadMBLT(out []byte) int {
	n, err := d.bus.ReadBLT(d.desc.VMEAddr, d.regs.acqStatus, out)
	if err != nil {
		d.msg.Printf("digitizer: bid=%d mblt error: %v", d.desc.BID, err)
		return -1
	}
	return n
}

// GetAcquisitionStatus reads the raw acquisition status register.
func (d *Device) GetAcquisitionStatus() (uint32, error) {
	return d.ReadRegister(d.regs.acqStatus)
}

// SoftwareStart issues a software acquisition start.
func (d *Device) SoftwareStart() error {
	return d.WriteRegister(d.regs.acqCtrl, 0x4)
}

// SINStart arms the board for hardware (S-IN) triggered start.
func (d *Device) SINStart() error {
	return d.WriteRegister(d.regs.acqCtrl, 0x5)
}

// AcquisitionStop halts acquisition.
func (d *Device) AcquisitionStop() error {
	return d.WriteRegister(d.regs.acqCtrl, 0x0)
}

// Reset issues a full board software reset.
func (d *Device) Reset() error {
	return d.WriteRegister(d.regs.reset, 0x1)
}

// SWTrigger issues a single software trigger.
func (d *Device) SWTrigger() error {
	return d.WriteRegister(d.regs.swTrig, 0x1)
}

// EnsureReady polls the acquisition status register up to ntries times,
// sleep between each, until the ready bit is set.
func (d *Device) EnsureReady(ntries int, sleep time.Duration) bool {
	return d.pollStatus(ntries, sleep, acqStatusReady, acqStatusReady)
}

// EnsureStarted polls until the run bit is set.
func (d *Device) EnsureStarted(ntries int, sleep time.Duration) bool {
	return d.pollStatus(ntries, sleep, acqStatusRun, acqStatusRun)
}

// EnsureStopped polls until the run bit clears.
func (d *Device) EnsureStopped(ntries int, sleep time.Duration) bool {
	return d.pollStatus(ntries, sleep, acqStatusRun, 0)
}

func (d *Device) pollStatus(ntries int, sleep time.Duration, mask, want uint32) bool {
	for i := 0; i < ntries; i++ {
		status, err := d.GetAcquisitionStatus()
		if err == nil && status&mask == want {
			return true
		}
		time.Sleep(sleep)
	}
	return false
}

// CheckErrors returns the decoded error bitmask over {PLL_unlock =
// 0x1, VME_bus_error = 0x2}; -1 indicates the error register itself
// could not be read.
func (d *Device) CheckErrors() int {
	v, err := d.ReadRegister(d.regs.boardErr)
	if err != nil {
		return -1
	}
	var bits int
	if v&errPLLUnlock != 0 {
		bits |= errPLLUnlock
	}
	if v&errVMEBusError != 0 {
		bits |= errVMEBusError
	}
	return bits
}

// LoadDAC writes one DAC value per channel.
func (d *Device) LoadDAC(values []uint16) error {
	for ch, v := range values {
		if err := d.WriteRegister(d.regs.chDAC+uint32(ch)*0x100, uint32(v)); err != nil {
			return xerrors.Errorf("digitizer: load dac ch=%d bid=%d: %w", ch, d.desc.BID, err)
		}
	}
	return nil
}

// ClampDACValues clamps each value to the board's permitted DAC range,
// [0, 0xFFFF], modifying values in place and returning the number of
// channels that were clamped.
func (d *Device) ClampDACValues(values []uint16, cal Calibration) int {
	const (
		dacMin = 0x0000
		dacMax = 0xFFFF
	)
	clamped := 0
	for i, v := range values {
		switch {
		case int(v) < dacMin:
			values[i] = dacMin
			clamped++
		case int(v) > dacMax:
			values[i] = dacMax
			clamped++
		}
	}
	return clamped
}

// SetThresholds writes one trigger threshold value per channel.
func (d *Device) SetThresholds(values []uint16) error {
	for ch, v := range values {
		if err := d.WriteRegister(d.regs.chThreshold+uint32(ch)*0x100, uint32(v)); err != nil {
			return xerrors.Errorf("digitizer: set threshold ch=%d bid=%d: %w", ch, d.desc.BID, err)
		}
	}
	return nil
}

// GetHeaderTime extracts the raw 31-bit event timestamp from an event
// header buffer (the word at index 3, masked to 31 bits), per the
// packet layout described for the formatter.
func (d *Device) GetHeaderTime(buf []byte) (uint32, error) {
	if len(buf) < 16 {
		return 0, fmt.Errorf("digitizer: header buffer too short: %d bytes", len(buf))
	}
	w3 := le32(buf[12:16])
	return w3 & 0x7FFFFFFF, nil
}

// GetClockCounter runs the rollover bookkeeping algorithm over a new
// header timestamp and returns the current rollover counter.
func (d *Device) GetClockCounter(ts uint32) uint32 {
	return d.rollover.update(ts)
}

// Descriptor returns the board descriptor this device was bound to.
func (d *Device) Descriptor() Descriptor {
	return d.desc
}

// Format returns the data-format descriptor in effect for this board.
func (d *Device) Format() Format {
	return d.format
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
