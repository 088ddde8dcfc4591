// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package urn parses, validates and resolves ckp:// addresses.
//
// # Overview
//
// Three address forms are live:
//
//	ckp://Mixer:v1.2.0                         kernel
//	ckp://Mixer:v1.2.0#storage/tx_1_ab.inst    kernel stage path
//	ckp://Edge.PRODUCES.Mixer-to-Oven:v1       edge
//	ckp://Process#EdgeRoute-tx_1718000000_a3f9 process (Occurrent)
//
// Agent, Role, Proof, Consensus and Process-subtype forms are reserved by
// the protocol. The parser rejects them instead of accepting a plausible
// reading.
//
// # Limitations
//
// Resolution only covers the current project. Cross-project kernels are
// located through the project registry.
package urn
