// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package control

import (
	"bytes"
	"encoding/json"

	"github.com/go-daq/tdaq"

	"github.com/coderdj/dax/store"
)

// Server exposes a Controller over tdaq, one command handler per state
// transition plus a status output, mirroring cmd/mim-rpi's
// OnConfig/OnInit/OnStart/OnStop/OnQuit wiring onto a single device.
type Server struct {
	ctrl  *Controller
	runID string
}

// NewServer returns a Server fronting ctrl.
func NewServer(ctrl *Controller) *Server {
	return &Server{ctrl: ctrl}
}

// Register installs this server's command and output handlers on srv.
func (s *Server) Register(srv *tdaq.Server) {
	srv.CmdHandle("/arm", s.OnArm)
	srv.CmdHandle("/start", s.OnStart)
	srv.CmdHandle("/stop", s.OnStop)
	srv.CmdHandle("/reset", s.OnReset)
	srv.OutputHandle("/status", s.status)
}

// armRequest is the wire shape of an /arm command body, matching
// eda-ctl's Request/Reply JSON-over-the-wire convention.
type armRequest struct {
	RunID   string           `json:"run_id"`
	Options store.RunOptions `json:"options"`
}

// OnArm decodes the run id and options document and hands them to the
// controller's Arm transition.
func (s *Server) OnArm(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /arm command...")

	var areq armRequest
	if err := json.NewDecoder(bytes.NewReader(req.Body)).Decode(&areq); err != nil {
		ctx.Msg.Errorf("could not decode /arm request: %+v", err)
		return err
	}
	s.runID = areq.RunID

	if err := s.ctrl.Arm(ctx.Ctx, areq.Options); err != nil {
		ctx.Msg.Errorf("could not arm: %+v", err)
		return err
	}
	return nil
}

// OnStart transitions Armed -> Running.
func (s *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if err := s.ctrl.Start(); err != nil {
		ctx.Msg.Errorf("could not start: %+v", err)
		return err
	}
	return nil
}

// OnStop transitions Running -> Idle.
func (s *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	if err := s.ctrl.Stop(); err != nil {
		ctx.Msg.Errorf("could not stop: %+v", err)
		return err
	}
	return nil
}

// OnReset clears an Error state back to Idle.
func (s *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	s.ctrl.Reset()
	return nil
}

// status encodes the current Status document as JSON into dst.Body, on
// every poll from the orchestrator.
func (s *Server) status(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	default:
	}

	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(s.ctrl.Status()); err != nil {
		return err
	}
	dst.Body = buf.Bytes()
	return nil
}
