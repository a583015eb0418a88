// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package digitizer

import "time"

// config holds the tunables applied by Option in New.
type config struct {
	variant      Variant
	pollInterval time.Duration
	mbltTimeout  time.Duration
}

func newConfig() config {
	return config{
		variant:      VariantBase,
		pollInterval: time.Millisecond,
		mbltTimeout:  time.Second,
	}
}

// Option configures a Device at construction time.
type Option func(*config)

// WithVariant selects the register map and data-format descriptor used
// for this board. The default is VariantBase.
func WithVariant(v Variant) Option {
	return func(cfg *config) {
		cfg.variant = v
	}
}

// WithPollInterval stores a poll interval (default 1ms) in the device
// configuration. EnsureReady, EnsureStarted and EnsureStopped sleep for
// the interval passed to each call and do not read this setting.
func WithPollInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.pollInterval = d
	}
}

// WithMBLTTimeout stores a block-transfer timeout (default 1s) in the
// device configuration. ReadMBLT does not read this setting and blocks
// for as long as the underlying bus call does.
func WithMBLTTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.mbltTimeout = d
	}
}
