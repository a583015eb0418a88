// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dax-shell is a readline-editing operator console for the
// conditions database: it inspects run-options documents and DAC
// calibrations without requiring a round trip through the SQL client.
package main // import "github.com/coderdj/dax/cmd/dax-shell"

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/coderdj/dax/store"
)

const historyFile = ".dax-shell_history"

func main() {
	dbname := flag.String("db", "", "conditions database name to open")
	flag.Parse()

	log.SetPrefix("dax-shell: ")
	log.SetFlags(0)

	if *dbname == "" {
		log.Fatalf("missing -db conditions database name")
	}

	db, err := store.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open %q: %+v", *dbname, err)
	}
	defer db.Close()

	if err := repl(db, os.Stdout); err != nil {
		log.Fatalf("%+v", err)
	}
}

func repl(db *store.DB, out io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		cmd, err := line.Prompt("dax> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dax-shell: could not read command: %w", err)
		}
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		line.AppendHistory(cmd)

		if err := dispatch(db, out, cmd); err != nil {
			fmt.Fprintf(out, "error: %+v\n", err)
		}
	}
}

func dispatch(db *store.DB, out io.Writer, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		fmt.Fprintln(out, "commands: options <run_id> | calib <bid> | quit")
	case "options":
		if len(fields) != 2 {
			return fmt.Errorf("usage: options <run_id>")
		}
		return printOptions(db, out, fields[1])
	case "calib":
		if len(fields) != 2 {
			return fmt.Errorf("usage: calib <bid>")
		}
		bid, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("invalid bid %q: %w", fields[1], err)
		}
		return printCalibration(db, out, bid)
	case "quit", "exit":
		os.Exit(0)
	default:
		return fmt.Errorf("unknown command %q, try %q", fields[0], "help")
	}
	return nil
}

func printOptions(db *store.DB, out io.Writer, runID string) error {
	opts, err := db.LastRunOptions(context.Background(), runID)
	if err != nil {
		return fmt.Errorf("could not load run options for %q: %w", runID, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(opts)
}

func printCalibration(db *store.DB, out io.Writer, bid int) error {
	cal, err := db.Calibration(context.Background(), bid)
	if err != nil {
		return fmt.Errorf("could not load calibration for bid=%d: %w", bid, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cal)
}
