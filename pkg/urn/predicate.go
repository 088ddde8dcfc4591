// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package urn

import (
	"strings"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
)

// Predicate is the type of an edge. The vocabulary is closed.
type Predicate string

const (
	Produces  Predicate = "PRODUCES"
	Requires  Predicate = "REQUIRES"
	Notifies  Predicate = "NOTIFIES"
	Validates Predicate = "VALIDATES"
	Triggers  Predicate = "TRIGGERS"
	Announces Predicate = "ANNOUNCES"
	LLMAssist Predicate = "LLM_ASSIST"
)

// Predicates lists the vocabulary in a stable order.
var Predicates = []Predicate{Produces, Requires, Notifies, Validates, Triggers, Announces, LLMAssist}

// ParsePredicate returns the predicate named by s. Matching is exact.
func ParsePredicate(s string) (Predicate, error) {
	for _, p := range Predicates {
		if string(p) == s {
			return p, nil
		}
	}
	names := make([]string, len(Predicates))
	for i, p := range Predicates {
		names[i] = string(p)
	}
	return "", ckerrors.New(ckerrors.KindInvalidFormat, "urn.predicate", s).
		WithState("one of "+strings.Join(names, ", "), s)
}

// IsDelivery reports whether edges of this type materialize the producer's
// instances in the target inbox.
func (p Predicate) IsDelivery() bool {
	switch p {
	case Produces, Notifies, Triggers, Announces:
		return true
	default:
		return false
	}
}

// IsCheck reports whether edges of this type gate delivery instead of
// performing it.
func (p Predicate) IsCheck() bool {
	return p == Validates || p == Requires
}
