// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package filter

import (
	"fmt"
	"strings"

	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// EUIMask is a 16-nibble pattern where each nibble is either a fixed hex
// digit or the wildcard "x". A candidate matches when its non-wildcard
// nibbles are equal: (candidate & mask) == (pattern & mask).
type EUIMask struct {
	Pattern string

	bits uint64 // fixed nibble values, wildcards zeroed
	mask uint64 // f per fixed nibble, 0 per wildcard
}

var maskCleaner = strings.NewReplacer(":", "", "-", "")

// NewEUIMask parses a mask pattern such as "00-11-22-xx-xx-xx-xx-xx".
// Separators and case are ignored; validation happens here, at
// configuration-load time.
func NewEUIMask(pattern string) (EUIMask, error) {
	clean := strings.ToLower(maskCleaner.Replace(pattern))
	if len(clean) != 16 {
		return EUIMask{}, fmt.Errorf("filter: mask pattern %q must have 16 hex digits", pattern)
	}
	m := EUIMask{Pattern: pattern}
	for i := 0; i < 16; i++ {
		m.bits <<= 4
		m.mask <<= 4
		c := clean[i]
		switch {
		case c == 'x':
			// wildcard nibble
		case c >= '0' && c <= '9':
			m.bits |= uint64(c - '0')
			m.mask |= 0xf
		case c >= 'a' && c <= 'f':
			m.bits |= uint64(c-'a') + 10
			m.mask |= 0xf
		default:
			return EUIMask{}, fmt.Errorf("filter: invalid character %q in mask pattern %q", c, pattern)
		}
	}
	return m, nil
}

// Matches reports whether the candidate matches the mask. Candidates that do
// not parse as 64-bit identifiers never match.
func (m EUIMask) Matches(eui types.EUI) bool {
	v, err := eui.Uint64()
	if err != nil {
		return false
	}
	return v&m.mask == m.bits&m.mask
}

// EqualPattern reports whether the mask was built from the given pattern
// string, ignoring case. Used for removal by pattern.
func (m EUIMask) EqualPattern(pattern string) bool {
	return strings.EqualFold(m.Pattern, pattern)
}
