// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the farm configuration.
//
// Configuration comes from a single file named by --config or the
// PRINTFARM_CONFIG environment variable. There is no discovery and no
// per-field environment override, so the file alone determines what
// the dispatcher does. The only expansion is ${VAR} and
// ${VAR:-default} in paths; ${PRINTFARM_STATE} refers to the
// resolved state directory.
//
// YAML is the native format:
//
//	environment: production
//	paths:
//	  state: /var/lib/printfarm
//	  identity: /etc/printfarm/identity.txt
//	dispatch:
//	  interval: 3s
//	  command_timeout: 30s
//	  retry_limit: 5
//	devices:
//	  - id: x1c-01
//	    name: Bay 1
//	    host: 192.168.1.40
//	    serial: 00M09A350100123
//	    access_code_sealed: YWdlLWVuY3J5cHRpb24ub3Jn...
//
// Files ending in .json or .jsonc may carry comments and either the
// same fields or the legacy flat layout (poll_interval_sec,
// dispatch_interval_sec, printers[{id, name, printer_ip, serial,
// access_code, camera_url}]).
//
// Access codes are opened into lib/secret buffers by
// [Config.OpenAccessCodes]; sealed codes are age ciphertext opened
// with the identity file.
package config
