// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package syslog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Severity is the syslog severity level per RFC 5424 section 6.2.1.
type Severity int

const (
	Emergency Severity = iota
	Alert
	Critical
	Error
	Warning
	Notice
	Info
	Debug
)

func (s Severity) String() string {
	switch s {
	case Emergency:
		return "emergency"
	case Alert:
		return "alert"
	case Critical:
		return "critical"
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Notice:
		return "notice"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return "severity(" + strconv.Itoa(int(s)) + ")"
	}
}

// Facility is the syslog facility per RFC 5424 section 6.2.1.
type Facility int

const (
	Kern Facility = iota
	User
	Mail
	Daemon
	Auth
	Syslog
	LPR
	News
	UUCP
	Cron
	AuthPriv
	FTP
)

const (
	Local0 Facility = iota + 16
	Local1
	Local2
	Local3
	Local4
	Local5
	Local6
	Local7
)

// Priority is the PRI value combining facility and severity.
type Priority int

// NewPriority encodes facility and severity into the PRI value,
// facility*8 + severity.
func NewPriority(f Facility, s Severity) Priority {
	return Priority(int(f)<<3 | int(s))
}

// Format selects the wire format of outgoing messages.
type Format int

const (
	// RFC3164 is the BSD syslog format.
	RFC3164 Format = iota
	// RFC5424 is the structured syslog protocol format.
	RFC5424
)

func (f Format) String() string {
	switch f {
	case RFC3164:
		return "rfc3164"
	case RFC5424:
		return "rfc5424"
	default:
		return "format(" + strconv.Itoa(int(f)) + ")"
	}
}

const (
	// maxLen3164 is the RFC 3164 section 4.1 packet limit.
	maxLen3164 = 1024
	// maxLen5424 caps a formatted RFC 5424 message.
	maxLen5424 = 64 * 1024

	nilValue = "-"
)

var newlineEscaper = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// escapeNewlines flattens line breaks so a message body cannot forge
// additional log records.
func escapeNewlines(s string) string {
	return newlineEscaper.Replace(s)
}

// formatRFC3164 renders the RFC 3164 section 4.1 form,
// <PRI>Mmm dd hh:mm:ss HOST TAG[pid]: MSG, with the local time stamp and
// a space-padded day of month. The result is truncated to 1024 bytes.
func formatRFC3164(p Priority, ts time.Time, host, tag string, pid int, msg string) string {
	line := fmt.Sprintf("<%d>%s %s %s[%d]:", p, ts.Format(time.Stamp), host, tag, pid)
	if msg != "" {
		line += " " + msg
	}
	if len(line) > maxLen3164 {
		line = line[:maxLen3164]
	}
	return line
}

// formatRFC5424 renders the RFC 5424 section 6 form with a millisecond
// UTC timestamp, NILVALUE for absent fields and no structured data.
func formatRFC5424(p Priority, ts time.Time, host, app string, pid int, msg string) string {
	if host == "" {
		host = nilValue
	}
	if app == "" {
		app = nilValue
	}

	stamp := ts.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	line := fmt.Sprintf("<%d>1 %s %s %s %d %s %s", p, stamp, host, app, pid, nilValue, nilValue)
	if msg != "" {
		line += " " + msg
	}
	if len(line) > maxLen5424 {
		line = line[:maxLen5424]
	}
	return line
}
