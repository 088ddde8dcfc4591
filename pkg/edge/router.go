// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ConceptKernel/pkg/ckerrors"
	"github.com/AleutianAI/ConceptKernel/pkg/evidence"
	"github.com/AleutianAI/ConceptKernel/pkg/kernel"
	"github.com/AleutianAI/ConceptKernel/pkg/logging"
	"github.com/AleutianAI/ConceptKernel/pkg/proctrack"
	"github.com/AleutianAI/ConceptKernel/pkg/urn"
)

var tracer = otel.Tracer("ckp.edge")

var (
	// deliveries counts per-edge routing results.
	// Labels: predicate, status
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ckp",
		Subsystem: "edge",
		Name:      "deliveries_total",
		Help:      "Per-edge routing results",
	}, []string{"predicate", "status"})

	routeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ckp",
		Subsystem: "edge",
		Name:      "route_duration_seconds",
		Help:      "Time to route one instance over all its edges",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// DefaultWorkers bounds concurrent edge deliveries per Route call.
const DefaultWorkers = 8

// Status is the per-edge result of a routing pass.
type Status string

const (
	// StatusDelivered means a new inbox entry was created.
	StatusDelivered Status = "delivered"

	// StatusAlreadyDelivered means the correct inbox entry already existed.
	StatusAlreadyDelivered Status = "already_delivered"

	// StatusChecked means a VALIDATES or REQUIRES edge was satisfied.
	StatusChecked Status = "checked"

	// StatusSkipped means the predicate neither delivers nor checks.
	StatusSkipped Status = "skipped"

	// StatusFailed means the edge could not be served. Err says why.
	StatusFailed Status = "failed"
)

// EdgeResult is what happened on one edge.
type EdgeResult struct {
	Edge      string        `json:"edge"`
	Predicate urn.Predicate `json:"predicate"`
	Target    string        `json:"target"`
	Status    Status        `json:"status"`
	Link      string        `json:"link,omitempty"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// RoutingOutcome is the result of routing one instance.
type RoutingOutcome struct {
	Kernel     string       `json:"kernel"`
	Instance   string       `json:"instance"`
	ProcessURN string       `json:"processUrn,omitempty"`
	Results    []EdgeResult `json:"results"`
}

// Count returns how many results have status s.
func (o RoutingOutcome) Count(s Status) int {
	n := 0
	for _, r := range o.Results {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Err joins the per-edge failures into a *ckerrors.BatchError, or nil.
func (o RoutingOutcome) Err() error {
	var batch ckerrors.BatchError
	for _, r := range o.Results {
		if r.Err != nil {
			batch.Add(fmt.Errorf("%s: %w", r.Edge, r.Err))
		}
	}
	return batch.ToError()
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Edges      *Registry
	Evidence   *evidence.Store
	Occurrents *proctrack.Store

	// Workers bounds concurrent deliveries. Default: DefaultWorkers.
	Workers int

	Logger *slog.Logger
}

// Router turns a produced instance into inbox entries of its consumers.
//
// # Description
//
// Route is synchronous and does not wait for consumers to react. Each
// routing pass with at least one edge is recorded as an EdgeRoute
// Occurrent and a tx.jsonl line of the source kernel.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent routes of the same instance converge
// on one inbox entry per edge.
type Router struct {
	edges      *Registry
	evidence   *evidence.Store
	occurrents *proctrack.Store
	workers    int
	logger     *slog.Logger
}

// NewRouter creates a Router. Edges is required. Evidence and Occurrents
// default to stores over the edge registry's project.
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Edges == nil {
		return nil, errors.New("edge registry is required")
	}
	r := &Router{
		edges:      opts.Edges,
		evidence:   opts.Evidence,
		occurrents: opts.Occurrents,
		workers:    opts.Workers,
		logger:     logging.OrDiscard(opts.Logger),
	}
	if r.evidence == nil {
		r.evidence = evidence.NewStore(opts.Edges.Root(), evidence.WithLogger(r.logger))
	}
	if r.occurrents == nil {
		r.occurrents = proctrack.NewStore(opts.Edges.Root(), proctrack.WithStoreLogger(r.logger))
	}
	if r.workers <= 0 {
		r.workers = DefaultWorkers
	}
	return r, nil
}

// Route delivers instance of kernel over every outgoing edge.
//
// # Description
//
// REQUIRES edges are evaluated first: if any REQUIRES target has no
// evidence, every delivery edge fails with PermissionDenied. The remaining
// edges are served concurrently; a failure on one never blocks another.
// Results keep the order of EdgesFrom.
//
// # Outputs
//
//   - RoutingOutcome: Per-edge results. Present even when error is set.
//   - error: InvalidFormat for a kernel name or instance id that is not a
//     single path element, NotFound if the instance does not exist. Otherwise the
//     joined per-edge failures (see RoutingOutcome.Err), or nil.
func (r *Router) Route(ctx context.Context, instance, kernelName string) (out RoutingOutcome, err error) {
	ctx, span := tracer.Start(ctx, "edge.Route")
	span.SetAttributes(attribute.String("kernel", kernelName), attribute.String("instance", instance))
	start := time.Now()
	defer func() {
		routeDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	out = RoutingOutcome{Kernel: kernelName, Instance: instance, Results: []EdgeResult{}}
	if err := evidence.CheckInstanceRef("edge.route", kernelName, instance); err != nil {
		return out, err
	}
	src := r.evidence.InstanceDir(kernelName, instance)
	if info, statErr := os.Stat(src); statErr != nil || !info.IsDir() {
		return out, ckerrors.New(ckerrors.KindNotFound, "edge.route", kernelName+"/"+instance).
			WithState("published instance", "absent")
	}

	edges, err := r.edges.EdgesFrom(kernelName)
	if err != nil {
		return out, err
	}
	if len(edges) == 0 {
		return out, nil
	}
	span.SetAttributes(attribute.Int("edges", len(edges)))

	out.ProcessURN = r.beginOccurrent(kernelName, instance, len(edges))

	gate := r.requirementsMet(ctx, edges)
	rules := r.loadEmitRules(kernelName)
	results := make([]EdgeResult, len(edges))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, e := range edges {
		i, e := i, e
		g.Go(func() error {
			results[i] = r.serve(gctx, e, src, instance, gate, rules)
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].Err != nil {
			results[i].Error = results[i].Err.Error()
		}
		deliveries.WithLabelValues(string(results[i].Predicate), string(results[i].Status)).Inc()
	}
	out.Results = results
	err = out.Err()

	r.endOccurrent(out, err)
	txErr := r.evidence.AppendTx(kernelName, evidence.TxEntry{
		TxID:  instance,
		Event: "instance.routed",
		Metadata: map[string]any{
			"process":          out.ProcessURN,
			"delivered":        out.Count(StatusDelivered),
			"alreadyDelivered": out.Count(StatusAlreadyDelivered),
			"failed":           out.Count(StatusFailed),
		},
	})
	if txErr != nil {
		r.logger.Warn("tx log not updated", "kernel", kernelName, "error", txErr)
	}

	r.logger.Info("instance routed",
		"kernel", kernelName,
		"instance", instance,
		"delivered", out.Count(StatusDelivered),
		"already_delivered", out.Count(StatusAlreadyDelivered),
		"failed", out.Count(StatusFailed))
	return out, err
}

// requirementsMet returns nil when every REQUIRES target holds at least one
// instance, else the PermissionDenied error that gates delivery.
func (r *Router) requirementsMet(ctx context.Context, edges []Edge) error {
	for _, e := range edges {
		if e.Predicate != urn.Requires {
			continue
		}
		if err := r.checkRequirement(ctx, "edge.route", e); err != nil {
			return err
		}
	}
	return nil
}

// checkRequirement reports PermissionDenied when the REQUIRES target has no
// evidence yet. Failures to look the evidence up keep their own kind.
func (r *Router) checkRequirement(ctx context.Context, op string, e Edge) error {
	ok, err := r.hasEvidence(ctx, e)
	if err != nil {
		return err
	}
	if !ok {
		return ckerrors.New(ckerrors.KindPermissionDenied, op, e.URN).
			WithState("evidence in "+e.Target, "none")
	}
	return nil
}

func (r *Router) hasEvidence(ctx context.Context, e Edge) (bool, error) {
	root, err := r.edges.TargetRoot(e)
	if err != nil {
		return false, err
	}
	store := r.evidence
	if root != r.edges.Root() {
		store = evidence.NewStore(root)
	}
	list, err := store.ListInstances(ctx, e.Target, 1)
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// emitRules are the source kernel's communication rules. A source config
// that could not be read denies every delivery.
type emitRules struct {
	source string
	cfg    *kernel.Config
	err    error
}

func (r *Router) loadEmitRules(kernelName string) emitRules {
	cfg, err := kernel.LoadConfig(urn.NewResolver(r.edges.Root()).KernelDir(kernelName))
	return emitRules{source: kernelName, cfg: cfg, err: err}
}

// authorize checks the edge's target, named by its kernel URN.
func (p emitRules) authorize(e Edge, target string) error {
	if p.err != nil {
		return ckerrors.New(ckerrors.KindPermissionDenied, "edge.rbac", e.URN).
			WithState("readable "+p.source+" config", p.err.Error())
	}
	ok, rule := p.cfg.CanEmitTo(target)
	if ok {
		return nil
	}
	actual := "not in " + p.source + " allowed list"
	if rule != "" {
		actual = "denied by " + rule
	}
	return ckerrors.New(ckerrors.KindPermissionDenied, "edge.rbac", e.URN).
		WithState(p.source+" may emit to "+target, actual)
}

func (r *Router) serve(ctx context.Context, e Edge, src, instance string, gate error, rules emitRules) EdgeResult {
	res := EdgeResult{Edge: e.URN, Predicate: e.Predicate, Target: e.Target}
	fail := func(err error) EdgeResult {
		res.Status, res.Err = StatusFailed, err
		r.logger.Warn("edge delivery failed", "edge", e.URN, "error", err)
		return res
	}

	switch {
	case e.Predicate == urn.Requires:
		if err := r.checkRequirement(ctx, "edge.requires", e); err != nil {
			return fail(err)
		}
		res.Status = StatusChecked
		return res
	case e.Predicate == urn.Validates:
		root, err := r.edges.TargetRoot(e)
		if err != nil {
			return fail(err)
		}
		if _, err := kernel.LoadConfig(urn.NewResolver(root).KernelDir(e.Target)); err != nil {
			return fail(err)
		}
		res.Status = StatusChecked
		return res
	case !e.Predicate.IsDelivery():
		res.Status = StatusSkipped
		return res
	}

	if gate != nil {
		return fail(gate)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	root, err := r.edges.TargetRoot(e)
	if err != nil {
		return fail(err)
	}
	targetDir := urn.NewResolver(root).KernelDir(e.Target)
	cfg, err := kernel.LoadConfig(targetDir)
	if err != nil {
		return fail(err)
	}
	if !cfg.AcceptsEdge(e.URN) {
		return fail(ckerrors.New(ckerrors.KindPermissionDenied, "edge.authorize", e.URN).
			WithState("edge listed in "+e.Target+" queue contract", "not listed"))
	}
	if err := rules.authorize(e, cfg.Metadata.Name); err != nil {
		return fail(err)
	}

	inboxRel, _ := urn.StagePath("inbox")
	inbox := filepath.Join(targetDir, inboxRel)
	link := filepath.Join(inbox, InboxEntryName(e, instance))
	res.Link = link

	status, err := materialize(src, link)
	if err != nil {
		return fail(err)
	}
	res.Status = status
	return res
}

// InboxEntryName is the inbox entry created for instance over e:
// "<PREDICATE>.<Source>.<instance>.inst".
func InboxEntryName(e Edge, instance string) string {
	return string(e.Predicate) + "." + e.Source + "." + instance + evidence.InstanceSuffix
}

// materialize makes link a relative symlink to src. An existing link that
// already resolves to src counts as delivered.
func materialize(src, link string) (Status, error) {
	inbox := filepath.Dir(link)
	if info, err := os.Stat(inbox); err != nil || !info.IsDir() {
		return StatusFailed, ckerrors.New(ckerrors.KindNotFound, "edge.deliver", inbox).
			WithState("target inbox", "missing")
	}
	rel, err := filepath.Rel(inbox, src)
	if err != nil {
		return StatusFailed, fmt.Errorf("relative path to %s: %w", src, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err = os.Symlink(rel, link)
		if err == nil {
			return StatusDelivered, nil
		}
		if !errors.Is(err, os.ErrExist) {
			if errors.Is(err, os.ErrPermission) {
				return StatusFailed, ckerrors.Wrap(ckerrors.KindPermissionDenied, "edge.deliver", link, err)
			}
			return StatusFailed, fmt.Errorf("create inbox entry %s: %w", link, err)
		}
		existing, rerr := os.Readlink(link)
		if errors.Is(rerr, os.ErrNotExist) {
			// Consumed between the symlink and the readlink. Try once more.
			continue
		}
		if rerr != nil {
			return StatusFailed, ckerrors.Wrap(ckerrors.KindAlreadyExists, "edge.deliver", link, rerr).
				WithState("symlink to "+rel, "non-symlink entry")
		}
		if sameTarget(inbox, existing, src) {
			return StatusAlreadyDelivered, nil
		}
		return StatusFailed, ckerrors.New(ckerrors.KindAlreadyExists, "edge.deliver", link).
			WithState("symlink to "+rel, "symlink to "+existing)
	}
	return StatusFailed, fmt.Errorf("create inbox entry %s: %w", link, err)
}

func sameTarget(dir, existing, src string) bool {
	if !filepath.IsAbs(existing) {
		existing = filepath.Join(dir, existing)
	}
	return filepath.Clean(existing) == filepath.Clean(src)
}

func (r *Router) beginOccurrent(kernelName, instance string, edges int) string {
	occ, err := r.occurrents.Create(kernelName, "EdgeRoute",
		map[string]any{"source": kernelName, "instance": instance},
		map[string]any{"edgeCount": edges})
	if err != nil {
		r.logger.Warn("occurrent not recorded", "kernel", kernelName, "error", err)
		return ""
	}
	for _, p := range []proctrack.Phase{proctrack.PhaseAccepted, proctrack.PhaseProcessing} {
		if _, err := r.occurrents.AppendPhase(occ.URN, p, nil); err != nil {
			r.logger.Warn("occurrent phase not recorded", "urn", occ.URN, "error", err)
		}
	}
	return occ.URN
}

func (r *Router) endOccurrent(out RoutingOutcome, err error) {
	if out.ProcessURN == "" {
		return
	}
	data := map[string]any{
		"delivered":        out.Count(StatusDelivered),
		"alreadyDelivered": out.Count(StatusAlreadyDelivered),
		"checked":          out.Count(StatusChecked),
		"failed":           out.Count(StatusFailed),
	}
	phase := proctrack.PhaseCompleted
	if err != nil {
		phase = proctrack.PhaseFailed
		data["error"] = err.Error()
	}
	if _, perr := r.occurrents.AppendPhase(out.ProcessURN, phase, data); perr != nil {
		r.logger.Warn("occurrent phase not recorded", "urn", out.ProcessURN, "error", perr)
	}
}
