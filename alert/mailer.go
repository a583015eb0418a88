// Copyright 2024 The dax Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alert sends operator notifications when a run's control
// state elevates to Error, mirroring eda-ctl's file-alert mailer.
package alert // import "github.com/coderdj/dax/alert"

import (
	"crypto/tls"
	"fmt"
	"log"
	"time"

	mail "gopkg.in/gomail.v2"
)

// Mailer sends run-alert emails over SMTP. The zero value is usable
// but drops alerts, logging each drop, until configured with
// credentials.
type Mailer struct {
	Host string
	Port int
	User string
	Pass string
	// To is the list of recipients Bcc'd on every alert.
	To []string

	// Msg logs delivery failures and, when any of Host, Port, User,
	// Pass or To is unset, the fact that an alert was dropped rather
	// than sent.
	Msg *log.Logger

	// InsecureSkipVerify matches eda-ctl's dialer, which does not
	// verify the mail relay's certificate.
	InsecureSkipVerify bool
}

// NewMailer returns a Mailer configured to send through host:port,
// authenticating as user/pass and Bcc'ing every address in to.
func NewMailer(host string, port int, user, pass string, to []string, msg *log.Logger) *Mailer {
	if msg == nil {
		msg = log.Default()
	}
	return &Mailer{
		Host:               host,
		Port:               port,
		User:               user,
		Pass:               pass,
		To:                 to,
		Msg:                msg,
		InsecureSkipVerify: true,
	}
}

// configured reports whether enough is set to attempt delivery.
func (m *Mailer) configured() bool {
	return m.Host != "" && m.Port != 0 && m.User != "" && m.Pass != "" && len(m.To) > 0
}

// Alert sends a run-alert email for the given run id and reason. It
// never returns an error to the controller's onAlert callback; delivery
// failures are logged, matching eda-ctl's fire-and-forget alertMail.
func (m *Mailer) Alert(runID, reason string) {
	if m == nil {
		return
	}
	logger := m.Msg
	if logger == nil {
		logger = log.Default()
	}
	if !m.configured() {
		logger.Printf("alert: dropping alert for run %q: mailer not configured: %s", runID, reason)
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.User)
	msg.SetHeader("Bcc", m.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[dax] run %q entered error state", runID))
	msg.SetBody("text/plain", fmt.Sprintf("run: %q\nreason: %s\ntime: %s",
		runID, reason, time.Now().UTC().Format(time.RFC3339),
	))

	dial := mail.NewDialer(m.Host, m.Port, m.User, m.Pass)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: m.InsecureSkipVerify,
	}
	if err := dial.DialAndSend(msg); err != nil {
		logger.Printf("alert: could not send mail alert for run %q: %+v", runID, err)
	}
}
