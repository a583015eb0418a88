// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dax-boot (re)starts the daxd control-server processes for
// every host link configured in DAX_BOOT_LINKS, restarting or
// monitoring them as a group.
package main // import "github.com/coderdj/dax/cmd/dax-boot"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

// instance names one supervised daxd process: the command to launch
// it and the label used for its log and pmon files (cmd.Path alone
// collides once every instance is the same daxd binary).
type instance struct {
	name string
	cmd  *exec.Cmd
}

var (
	daxdPath = envOr("DAX_BOOT_DAXD_PATH", "daxd")
	links    = splitNonEmpty(os.Getenv("DAX_BOOT_LINKS"))
	dir      = envOr("DAX_BOOT_LOGDIR", "/var/log/dax")

	doMon  = flag.Bool("pmon", false, "enable pmon monitoring")
	doFreq = flag.Duration("freq", 1*time.Second, "pmon frequency")

	stop = make(chan os.Signal, 1)
)

func main() {
	flag.Parse()

	log.SetPrefix("dax-boot: ")
	log.SetFlags(0)

	insts := instancesFor(daxdPath, links)
	err := run(*doMon, *doFreq, insts, dir, stop)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// instancesFor builds one daxd instance per configured link id,
// falling back to a single unlabeled instance when none are given.
func instancesFor(path string, links []string) []instance {
	if len(links) == 0 {
		return []instance{{name: "daxd", cmd: exec.Command(path)}}
	}
	insts := make([]instance, len(links))
	for i, link := range links {
		insts[i] = instance{
			name: "daxd-link" + link,
			cmd:  exec.Command(path, "-link="+link),
		}
	}
	return insts
}

func run(doMon bool, freq time.Duration, insts []instance, dir string, stop chan os.Signal) error {
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	for _, inst := range insts {
		name := filepath.Base(inst.cmd.Path)
		kill := exec.Command("killall", name)
		kill.Stderr = os.Stderr
		kill.Stdout = os.Stdout
		err := kill.Run()
		if err != nil {
			log.Printf("could not kill %q: %+v", name, err)
		}
	}

	if dir == "" {
		dir = "/var/log/dax"
	}

	var (
		grp  errgroup.Group
		kill = make(chan int)
	)
	for i := range insts {
		inst := insts[i]
		grp.Go(func() error {
			return start(inst, dir, kill, doMon, freq)
		})
	}

	go func() {
		<-stop
		close(kill)
	}()

	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not boot dax: %w", err)
	}
	return nil
}

func start(inst instance, dir string, kill chan int, doMon bool, freq time.Duration) error {
	name := inst.name
	cmd := inst.cmd

	out, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", name, err)
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	log.Printf("starting %q...", name)
	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("could not start %q: %w", name, err)
	}

	if doMon {
		p, err := pmon.Monitor(cmd.Process.Pid)
		if err != nil {
			return fmt.Errorf("could not start monitoring %q (pid=%d): %w", name, cmd.Process.Pid, err)
		}
		f, err := os.Create(filepath.Join(dir, name+"-pmon.log"))
		if err != nil {
			return fmt.Errorf("could not create pmon log file for command %q: %w", name, err)
		}
		defer f.Close()
		p.W = f
		p.Freq = freq

		go func() {
			log.Printf("run pmon %q...", name)
			err := p.Run()
			if err != nil {
				log.Printf("could not start monitoring %q: %+v", name, err)
			}
		}()

		defer func() {
			err := p.Kill()
			if err != nil {
				log.Printf("could not stop monitoring %q: %+v", name, err)
			}
		}()
	}

	errch := make(chan error)
	go func() {
		errch <- cmd.Wait()
	}()

	select {
	case <-kill:
		err = cmd.Process.Kill()
		if err != nil {
			return fmt.Errorf("could not kill %q: %+v", name, err)
		}
	case err = <-errch:
		if err != nil {
			return fmt.Errorf("could not run %q: %w", name, err)
		}
	}

	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
