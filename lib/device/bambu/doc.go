// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bambu is the LAN-mode transport for Bambu Lab printers.
//
// A [Dialer] opens an MQTT session over TLS (port 8883, user "bblp",
// password the printer's access code), subscribes to
// device/<serial>/report, and publishes commands to
// device/<serial>/request. Printers send partial reports; the link
// merges them field by field so every value on Reports is a complete
// snapshot.
//
// Job files are uploaded over implicit FTPS (port 990) to the
// printer's SD card before the start request names them.
//
// A reply carrying result "fail" for the sequence id of a sent
// command is reported as [device.ErrDeviceRejected]. Printers do not
// acknowledge every command, so silence for the acknowledgement
// window counts as acceptance.
package bambu
