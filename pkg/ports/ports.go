// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ports assigns every registered project a private, non-overlapping
// TCP port range and hands out ports inside it to hot kernels.
package ports

import (
	"fmt"
	"math"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

const (
	// BasePort is the first port of slot 1.
	BasePort = 56000

	// RangeSize is the number of ports reserved per project slot.
	RangeSize = 200

	// DiscoveryOffset is the offset of the discovery port inside a range.
	DiscoveryOffset = 0
)

// Range is an inclusive port interval.
type Range struct {
	Start uint16 `json:"start"`
	End   uint16 `json:"end"`
}

// Contains reports whether port lies inside r.
func (r Range) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// Overlaps reports whether r and o share any port.
func (r Range) Overlaps(o Range) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// String renders "start-end".
func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// RangeFor returns the port range of a project slot.
//
// # Description
//
// start = BasePort + (slot-1)*RangeSize, end = start + RangeSize - 1. The
// mapping is pure: the same slot always yields the same range and distinct
// slots never overlap.
//
// # Outputs
//
//   - Range: the slot's ports.
//   - error: InvalidFormat if slot < 1 or the range would exceed 65535.
func RangeFor(slot int) (Range, error) {
	if slot < 1 {
		return Range{}, ckerrors.New(ckerrors.KindInvalidFormat, "ports.range", fmt.Sprint(slot)).
			WithState("slot >= 1", fmt.Sprint(slot))
	}
	start := int64(BasePort) + int64(slot-1)*RangeSize
	end := start + RangeSize - 1
	if end > math.MaxUint16 {
		return Range{}, ckerrors.New(ckerrors.KindInvalidFormat, "ports.range", fmt.Sprint(slot)).
			WithState(fmt.Sprintf("slot <= %d", MaxSlot()), fmt.Sprint(slot))
	}
	return Range{Start: uint16(start), End: uint16(end)}, nil
}

// DiscoveryPort returns the discovery port of a project slot.
func DiscoveryPort(slot int) (uint16, error) {
	r, err := RangeFor(slot)
	if err != nil {
		return 0, err
	}
	return r.Start + DiscoveryOffset, nil
}

// MaxSlot is the highest slot whose range fits below 65536.
func MaxSlot() int {
	return (math.MaxUint16-BasePort+1)/RangeSize
}
