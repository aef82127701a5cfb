// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package filter

import (
	"errors"
	"fmt"

	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// EUIRange is an inclusive [min, max] interval over the unsigned 64-bit
// integer value of an EUI. Both boundaries are validated when the range is
// built, so Contains never has to fail.
type EUIRange struct {
	Min types.EUI
	Max types.EUI

	min uint64
	max uint64
}

// NewEUIRange builds a range from two EUI-like strings. Both must contain 16
// hex digits; validation happens here, at configuration-load time.
func NewEUIRange(min, max string) (EUIRange, error) {
	r := EUIRange{
		Min: types.NormalizeEUI(min),
		Max: types.NormalizeEUI(max),
	}
	var err error
	if r.min, err = r.Min.Uint64(); err != nil {
		return EUIRange{}, fmt.Errorf("filter: invalid range minimum %q", min)
	}
	if r.max, err = r.Max.Uint64(); err != nil {
		return EUIRange{}, fmt.Errorf("filter: invalid range maximum %q", max)
	}
	return r, nil
}

// ErrRangeLength is returned when a range specification does not have exactly
// two elements.
var ErrRangeLength = errors.New("filter: EUI range must have exactly 2 elements")

// EUIRangeFromList builds a range from a [min, max] pair as it appears in
// configuration files.
func EUIRangeFromList(pair []string) (EUIRange, error) {
	if len(pair) != 2 {
		return EUIRange{}, ErrRangeLength
	}
	return NewEUIRange(pair[0], pair[1])
}

// Contains reports whether the candidate falls inside the range, boundaries
// included. Candidates that do not parse as 64-bit identifiers never match.
func (r EUIRange) Contains(eui types.EUI) bool {
	v, err := eui.Uint64()
	if err != nil {
		return false
	}
	return v >= r.min && v <= r.max
}

// Equal reports whether two ranges have the same normalized boundaries. Used
// for structural match on removal.
func (r EUIRange) Equal(other EUIRange) bool {
	return r.Min == other.Min && r.Max == other.Max
}
