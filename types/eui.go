// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"errors"
	"strconv"
	"strings"
)

// EUI is a 64-bit hardware or network identifier in its canonical form:
// 16 lowercase hex characters grouped in pairs joined by dashes,
// e.g. "00-11-22-33-44-55-66-77".
type EUI string

// ErrMalformedIdentifier is returned when a value does not contain 16 hex
// digits after separator removal.
var ErrMalformedIdentifier = errors.New("types: malformed identifier")

var euiCleaner = strings.NewReplacer(":", "", "-", "")

// NormalizeEUI canonicalizes an EUI-like string: separators (":" and "-") are
// stripped and the result is lowercased; if exactly 16 hex characters remain,
// they are re-grouped in dash-joined pairs. Anything else is returned
// lowercased but otherwise unchanged, so untrusted device payloads never make
// normalization fail. Normalization is idempotent.
func NormalizeEUI(raw string) EUI {
	clean := strings.ToLower(euiCleaner.Replace(raw))
	if len(clean) != 16 || !isHex(clean) {
		return EUI(strings.ToLower(raw))
	}
	var b strings.Builder
	b.Grow(23)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(clean[i : i+2])
	}
	return EUI(b.String())
}

// Uint64 parses the 16 hex nibbles of the EUI (ignoring separators) as a
// big-endian unsigned 64-bit integer. Callers that build range or mask
// filters must do this at configuration-load time.
func (e EUI) Uint64() (uint64, error) {
	clean := strings.ToLower(euiCleaner.Replace(string(e)))
	if len(clean) != 16 || !isHex(clean) {
		return 0, ErrMalformedIdentifier
	}
	v, err := strconv.ParseUint(clean, 16, 64)
	if err != nil {
		return 0, ErrMalformedIdentifier
	}
	return v, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
