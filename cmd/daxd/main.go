// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command daxd runs the per-host DAQ control server: it arms, starts
// and stops digitizer readout over tdaq commands, formatting raw
// packets into strax chunk buffers. No strax.Writer is attached, so
// flushed chunks are not written anywhere.
package main // import "github.com/coderdj/dax/cmd/daxd"

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/coderdj/dax/alert"
	"github.com/coderdj/dax/control"
	"github.com/coderdj/dax/digitizer"
	"github.com/coderdj/dax/store"
)

func main() {
	cmd := flags.New()

	msg := log.New(os.Stdout, "daxd: ", 0)

	var db *store.DB
	if dbname := os.Getenv("DAX_CONDITIONS_DB"); dbname != "" {
		var err error
		db, err = store.Open(dbname)
		if err != nil {
			msg.Fatalf("could not open conditions db %q: %+v", dbname, err)
		}
		defer db.Close()
	}

	mailer := alert.NewMailer(
		os.Getenv("DAX_MAIL_SERVER"), atoi(os.Getenv("DAX_MAIL_PORT")),
		os.Getenv("DAX_MAIL_USERNAME"), os.Getenv("DAX_MAIL_PASSWORD"),
		splitNonEmpty(os.Getenv("DAX_MAIL_TARGETS")),
		msg,
	)

	ctrl := control.New(db, openBus, msg, func(reason string) {
		mailer.Alert(os.Getenv("DAX_RUN_ID"), reason)
	})

	srv := tdaq.New(cmd, os.Stdout)
	control.NewServer(ctrl).Register(srv)

	if err := srv.Run(context.Background()); err != nil {
		msg.Panicf("error: %+v", err)
	}
}

// openBus dials the hardware transport for one board descriptor. The
// real VME bridge driver is outside this module's scope (the digitizer
// is handled as an opaque block-transfer interface); DAX_FAKE_BUS lets
// an operator run daxd end-to-end against digitizer.Fake for rehearsal.
func openBus(bc store.BoardConfig) (digitizer.Bus, error) {
	if os.Getenv("DAX_FAKE_BUS") != "" {
		return digitizer.NewFake(digitizer.VariantBase, len(bc.ChannelMap)), nil
	}
	return nil, errNoHardwareBus{bid: bc.BID}
}

type errNoHardwareBus struct{ bid int }

func (e errNoHardwareBus) Error() string {
	return "daxd: bid=" + strconv.Itoa(e.bid) +
		": no hardware VME bus wired for this build; set DAX_FAKE_BUS=1 to rehearse against the fake digitizer"
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
