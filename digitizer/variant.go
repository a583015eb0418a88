// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package digitizer

// Variant identifies one of the closed set of supported digitizer
// hardware variants (spec: "Board descriptor ... variant").
type Variant int

const (
	// VariantBase is the default-firmware digitizer.
	VariantBase Variant = iota
	// VariantMV is the muon-veto variant (same register map as base,
	// distinct channel count and logical channel range downstream).
	VariantMV
	// VariantV1730 runs DPP-DAW firmware with per-channel headers.
	VariantV1730
)

func (v Variant) String() string {
	switch v {
	case VariantBase:
		return "base"
	case VariantMV:
		return "MV"
	case VariantV1730:
		return "V1730"
	default:
		return "unknown"
	}
}

// Format is the per-variant data-format descriptor.
type Format struct {
	NsPerClock         int64
	NsPerSample        int64
	ChannelHeaderWords int
	ChannelMaskMSBIdx  int // -1 if absent
	ChannelTimeMSBIdx  int
}

// formatFor returns the data-format descriptor for a variant.
func formatFor(v Variant) Format {
	switch v {
	case VariantV1730:
		return Format{
			NsPerClock:         10,
			NsPerSample:        2,
			ChannelHeaderWords: 2,
			ChannelMaskMSBIdx:  -1,
			ChannelTimeMSBIdx:  2,
		}
	case VariantMV:
		return Format{
			NsPerClock:         10,
			NsPerSample:        10,
			ChannelHeaderWords: 0,
			ChannelMaskMSBIdx:  2,
			ChannelTimeMSBIdx:  -1,
		}
	default: // VariantBase
		return Format{
			NsPerClock:         10,
			NsPerSample:        10,
			ChannelHeaderWords: 0,
			ChannelMaskMSBIdx:  -1,
			ChannelTimeMSBIdx:  -1,
		}
	}
}

// registers holds the register offsets that differ across variants,
// grounded on V1724's fAqCtrlRegister/fAqStatusRegister/... field set,
// collapsed into a single per-variant table rather than a per-subclass
// vtable.
type registers struct {
	acqCtrl       uint32
	acqStatus     uint32
	swTrig        uint32
	reset         uint32
	chStatus      uint32
	chDAC         uint32
	chThreshold   uint32
	boardFailStat uint32
	boardErr      uint32
}

func registersFor(v Variant) registers {
	switch v {
	case VariantV1730:
		return registers{
			acqCtrl:       0x8100,
			acqStatus:     0x8104,
			swTrig:        0x8108,
			reset:         0xEF24,
			chStatus:      0x1088,
			chDAC:         0x1098,
			chThreshold:   0x1080,
			boardFailStat: 0x8178,
			boardErr:      0x8180,
		}
	default: // VariantBase, VariantMV
		return registers{
			acqCtrl:       0x8100,
			acqStatus:     0x8104,
			swTrig:        0x8108,
			reset:         0xEF24,
			chStatus:      0x1088,
			chDAC:         0x1098,
			chThreshold:   0x1080,
			boardFailStat: 0x8178,
			boardErr:      0x8180,
		}
	}
}

const (
	// acqStatusReady is the bit indicating the board accepted the last
	// start/stop command and is ready for the next one.
	acqStatusReady = 1 << 8
	// acqStatusRun is the bit indicating acquisition is active.
	acqStatusRun = 1 << 2

	// errPLLUnlock and errVMEBusError are the bits CheckErrors decodes.
	errPLLUnlock   = 0x1
	errVMEBusError = 0x2
)
