// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fault

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatCode renders a decimal error code string as
// "fail_reason <decimal> (<HHHH>-<LLLL>)", the 32-bit value split into
// two zero-padded uppercase hex groups. Empty, non-numeric, negative,
// or wider-than-32-bit input renders as "".
func FormatCode(raw string) string {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return ""
	}
	return FormatCodeValue(value)
}

// FormatCodeValue is FormatCode for an already-parsed value.
func FormatCodeValue(value int64) string {
	if value < 0 || value > math.MaxUint32 {
		return ""
	}
	return fmt.Sprintf("fail_reason %d (%04X-%04X)", value, value>>16, value&0xFFFF)
}

// FormatAlarm renders one alarm record as HMS_AAAA_AAAA_CCCC_CCCC
// from its attribute and code words.
func FormatAlarm(attr, code uint32) string {
	return fmt.Sprintf("HMS_%04X_%04X_%04X_%04X", attr>>16, attr&0xFFFF, code>>16, code&0xFFFF)
}
