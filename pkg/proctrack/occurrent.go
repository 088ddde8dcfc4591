// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proctrack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/fsutil"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

// Phase is a stage in the life of an Occurrent.
type Phase string

const (
	PhaseAccepted   Phase = "accepted"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// StatusCreated is the status of an Occurrent with no phases yet.
const StatusCreated = "created"

func (p Phase) rank() (int, bool) {
	switch p {
	case PhaseAccepted:
		return 0, true
	case PhaseProcessing:
		return 1, true
	case PhaseCompleted, PhaseFailed:
		return 2, true
	default:
		return 0, false
	}
}

// Terminal reports whether no phase may follow p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// TemporalPart is one recorded phase.
type TemporalPart struct {
	Phase     Phase          `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// TemporalRegion is the span an Occurrent covers. End and DurationMs are set
// once a terminal phase is recorded.
type TemporalRegion struct {
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`
}

// Occurrent is the durable record of one unit of work, such as a routing pass
// or a kernel start.
type Occurrent struct {
	URN            string         `json:"urn"`
	Type           string         `json:"type"`
	TxID           string         `json:"txId"`
	Participants   map[string]any `json:"participants"`
	TemporalParts  []TemporalPart `json:"temporalParts"`
	TemporalRegion TemporalRegion `json:"temporalRegion"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Query filters List results. Zero values match everything; Limit 0 is
// unbounded.
type Query struct {
	Type        string
	Status      string
	Participant string
	Limit       int
}

// Stats summarizes stored Occurrents.
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"byStatus"`
	ByType          map[string]int `json:"byType"`
	AvgDurationMs   float64        `json:"avgDurationMs"`
	TotalDurationMs int64          `json:"totalDurationMs"`
}

// NextProcessURN mints a fresh Process URN for work of typ done by kernel.
//
// # Description
//
// The timestamp is the current time in milliseconds. The hash is the first 8
// hex digits of sha256 over the kernel, type, timestamp and a random uuid, so
// two URNs minted in the same millisecond still differ.
func NextProcessURN(kernel, typ string) urn.ProcessURN {
	return nextProcessURN(kernel, typ, time.Now())
}

func nextProcessURN(kernel, typ string, now time.Time) urn.ProcessURN {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	sum := sha256.Sum256([]byte(kernel + "|" + typ + "|" + ts + "|" + uuid.NewString()))
	return urn.ProcessURN{Type: typ, Timestamp: ts, Hash: hex.EncodeToString(sum[:4])}
}

// Store persists Occurrents under <project>/concepts/.processes.
//
// # Thread Safety
//
// Safe for concurrent use within one process. Each Occurrent has a single
// writer: the component that created it.
type Store struct {
	resolver *urn.Resolver
	now      func() time.Time
	logger   *slog.Logger
	mu       sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithStoreLogger sets the store logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates a store for the project rooted at projectRoot.
func NewStore(projectRoot string, opts ...StoreOption) *Store {
	s := &Store{resolver: urn.NewResolver(projectRoot), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger)
	return s
}

// Dir returns the root of the Occurrent tree.
func (s *Store) Dir() string {
	return filepath.Join(s.resolver.Root(), urn.ConceptsDir, urn.ProcessesDir)
}

// Create records a new Occurrent in status "created".
func (s *Store) Create(kernel, typ string, participants, metadata map[string]any) (*Occurrent, error) {
	now := s.now().UTC()
	id := nextProcessURN(kernel, typ, now)
	if participants == nil {
		participants = map[string]any{}
	}
	occ := &Occurrent{
		URN:            id.String(),
		Type:           typ,
		TxID:           id.TxID(),
		Participants:   participants,
		TemporalParts:  []TemporalPart{},
		TemporalRegion: TemporalRegion{Start: now},
		Status:         StatusCreated,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.save(id, occ); err != nil {
		return nil, err
	}
	s.logger.Debug("occurrent created", "urn", occ.URN)
	return occ, nil
}

// AppendPhase records phase on the Occurrent at processURN.
//
// # Description
//
// Phases are ordered accepted < processing < completed|failed. A phase may
// repeat its predecessor's rank but never go lower, its timestamp may not
// precede the previous one, and nothing may follow a terminal phase. A
// terminal phase closes the temporal region.
//
// # Outputs
//
//   - *Occurrent: the updated record.
//   - error: NotFound for an unknown URN, InvalidFormat for an unknown phase,
//     InvalidTransition for an ordering violation.
func (s *Store) AppendPhase(processURN string, phase Phase, data map[string]any) (*Occurrent, error) {
	rank, ok := phase.rank()
	if !ok {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "proctrack.phase", string(phase)).
			WithState("accepted, processing, completed or failed", string(phase))
	}
	id, err := urn.ParseProcess(processURN)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	occ, err := s.load(id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if n := len(occ.TemporalParts); n > 0 {
		last := occ.TemporalParts[n-1]
		lastRank, _ := last.Phase.rank()
		switch {
		case last.Phase.Terminal():
			return nil, transition(processURN, "no phase after "+string(last.Phase), string(phase))
		case rank < lastRank:
			return nil, transition(processURN, "phase at or after "+string(last.Phase), string(phase))
		case now.Before(last.Timestamp):
			return nil, transition(processURN, "timestamp >= "+last.Timestamp.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		}
	}

	occ.TemporalParts = append(occ.TemporalParts, TemporalPart{Phase: phase, Timestamp: now, Data: data})
	occ.Status = string(phase)
	occ.UpdatedAt = now
	if phase.Terminal() {
		end := now
		dur := now.Sub(occ.TemporalRegion.Start).Milliseconds()
		occ.TemporalRegion.End = &end
		occ.TemporalRegion.DurationMs = &dur
		if phase == PhaseFailed {
			if msg, ok := data["error"].(string); ok {
				occ.Error = msg
			}
		}
	}

	if err := s.save(id, occ); err != nil {
		return nil, err
	}
	return occ, nil
}

// Get loads the Occurrent at processURN.
func (s *Store) Get(processURN string) (*Occurrent, error) {
	id, err := urn.ParseProcess(processURN)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// List returns stored Occurrents matching q, newest first. Unreadable records
// are skipped.
func (s *Store) List(q Query) ([]*Occurrent, error) {
	var out []*Occurrent
	err := filepath.WalkDir(s.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == s.Dir() {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" || fsutil.IsTempName(d.Name()) {
			return nil
		}
		occ, err := readOccurrent(path)
		if err != nil {
			s.logger.Warn("skipping unreadable occurrent", "path", path, "error", err)
			return nil
		}
		if q.matches(occ) {
			out = append(out, occ)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("list occurrents: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].URN > out[j].URN
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Stats aggregates every Occurrent matching q, ignoring q.Limit.
func (s *Store) Stats(q Query) (Stats, error) {
	q.Limit = 0
	all, err := s.List(q)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Total: len(all), ByStatus: map[string]int{}, ByType: map[string]int{}}
	var timed int
	for _, occ := range all {
		st.ByStatus[occ.Status]++
		st.ByType[occ.Type]++
		if occ.TemporalRegion.DurationMs != nil {
			st.TotalDurationMs += *occ.TemporalRegion.DurationMs
			timed++
		}
	}
	if timed > 0 {
		st.AvgDurationMs = float64(st.TotalDurationMs) / float64(timed)
	}
	return st, nil
}

func (q Query) matches(occ *Occurrent) bool {
	if q.Type != "" && occ.Type != q.Type {
		return false
	}
	if q.Status != "" && occ.Status != q.Status {
		return false
	}
	if q.Participant != "" {
		for _, v := range occ.Participants {
			if str, ok := v.(string); ok && str == q.Participant {
				return true
			}
		}
		return false
	}
	return true
}

func (s *Store) load(id urn.ProcessURN) (*Occurrent, error) {
	path := s.resolver.ProcessPath(id)
	occ, err := readOccurrent(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ckerrors.Wrap(ckerrors.KindNotFound, "proctrack.occurrent", id.String(), err)
	}
	return occ, err
}

func (s *Store) save(id urn.ProcessURN, occ *Occurrent) error {
	path := s.resolver.ProcessPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create occurrent directory: %w", err)
	}
	return fsutil.WriteJSONAtomic(path, occ)
}

func readOccurrent(path string) (*Occurrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var occ Occurrent
	if err := json.Unmarshal(data, &occ); err != nil {
		return nil, ckerrors.Wrap(ckerrors.KindInvalidFormat, "proctrack.occurrent", path, err)
	}
	if !strings.HasPrefix(occ.URN, urn.Scheme) {
		return nil, ckerrors.New(ckerrors.KindInvalidFormat, "proctrack.occurrent", path).
			WithState("process urn", occ.URN)
	}
	return &occ, nil
}

func transition(subject, expected, actual string) error {
	return ckerrors.New(ckerrors.KindInvalidTransition, "proctrack.phase", subject).WithState(expected, actual)
}
