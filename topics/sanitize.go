// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const maxLogged = 200

// Sanitize makes a client supplied string safe to log: bytes outside
// printable ASCII become '.', and long values are cut.
func Sanitize(s string) string {
	n := len(s)
	if n > maxLogged {
		n = maxLogged
	}
	var b strings.Builder
	b.Grow(n + 3)
	for i := 0; i < n; i++ {
		c := s[i]
		if c < 0x20 || c >= 0x7F {
			c = '.'
		}
		b.WriteByte(c)
	}
	if len(s) > maxLogged {
		b.WriteString("...")
	}
	return b.String()
}
