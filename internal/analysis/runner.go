// Package analysis runs the full audit pipeline for one build plan:
// extraction, classification, attestation overrides, propagation and policy
// evaluation.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"capaudit/internal/attest"
	"capaudit/internal/buildplan"
	"capaudit/internal/capability"
	"capaudit/internal/graph"
	"capaudit/internal/policy"
	"capaudit/internal/rules"
	"capaudit/internal/symbol"
)

// Runner holds the immutable inputs of an analysis. The zero value is not
// usable: Rules and Policy are required. A Runner may be reused and run
// concurrently; intrinsic results are memoized only within a single Run, so
// every Run rereads the artifacts.
type Runner struct {
	Rules   *rules.Classifier
	Policy  *policy.Policy
	Keyring *attest.Keyring
	// Store holds attestations. Nil disables overrides.
	Store   *attest.Store
	Workers int
	Filter  symbol.Filter
	// Deny reports whether an artifact must not be read. Nil denies nothing.
	Deny   func(path string) bool
	Logger *zap.Logger

	once     sync.Once
	computed atomic.Int64
}

// intrinsicMemo deduplicates intrinsic computations within one Run.
type intrinsicMemo struct {
	mu    sync.Mutex
	done  map[string]*intrinsicResult
	group singleflight.Group
}

func newIntrinsicMemo() *intrinsicMemo {
	return &intrinsicMemo{done: make(map[string]*intrinsicResult)}
}

type intrinsicResult struct {
	caps        capability.Set
	summary     rules.Intrinsic
	reason      string
	hash        string
	diagnostics []Diagnostic
}

func (r *Runner) init() {
	r.once.Do(func() {
		if r.Logger == nil {
			r.Logger = zap.NewNop()
		}
		if r.Workers < 1 {
			r.Workers = runtime.GOMAXPROCS(0)
		}
	})
}

// Run analyzes plan. Cyclic or dangling dependencies and cancellation are
// fatal and produce no report; every per-package problem degrades that
// package to Any and is reported as a diagnostic.
func (r *Runner) Run(ctx context.Context, plan *buildplan.Plan) (*Report, error) {
	if r.Rules == nil || r.Policy == nil {
		return nil, errors.New("analysis: runner needs rules and a policy")
	}
	r.init()
	start := time.Now()

	g, err := plan.Graph()
	if err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	if err := g.ComputeReach(); err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}
	nodes := g.Nodes()
	r.Logger.Info("analysis started", zap.Int("packages", len(nodes)), zap.Int("workers", r.Workers))

	memo := newIntrinsicMemo()
	results := make([]*intrinsicResult, len(nodes))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(r.Workers)
	for i, n := range nodes {
		eg.Go(func() error {
			res, err := r.intrinsic(egCtx, memo, n)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("analysis: intrinsic: %w", err)
	}

	report := &Report{}
	hashes := make(map[string]string, len(nodes))
	evidence := make(policy.Evidence, len(nodes))
	for i, n := range nodes {
		res := results[i]
		n.SetIntrinsic(res.caps, res.reason)
		hashes[n.Key()] = res.hash
		evidence[n.Key()] = res.summary.Evidence
		report.Diagnostics = append(report.Diagnostics, res.diagnostics...)
	}

	attested := r.applyAttestations(nodes, hashes, report)

	for _, n := range nodes {
		if n.Edge {
			report.Diagnostics = append(report.Diagnostics, Diagnostic{
				Package:  n.Key(),
				Kind:     KindEdgePackage,
				Severity: SeverityWarning,
				Message:  "treated as able to do anything: " + n.EdgeReason,
			})
		}
	}

	if err := graph.Propagate(ctx, g, r.Workers); err != nil {
		return nil, fmt.Errorf("analysis: %w", err)
	}

	for i, n := range nodes {
		res := results[i]
		var kinds map[string]graph.DepKind
		for _, d := range n.Deps {
			if k := n.Kind(d); k != graph.DepNormal {
				if kinds == nil {
					kinds = make(map[string]graph.DepKind)
				}
				kinds[d] = k
			}
		}
		report.Packages = append(report.Packages, PackageReport{
			Package:   n.Key(),
			Intrinsic: n.Intrinsic,
			Effective: n.Effective,
			Edge:      n.Edge,
			Reason:    n.EdgeReason,
			Attested:  attested[n.Key()],
			Hash:      res.hash,
			Symbols:   res.summary.Symbols,
			Evidence:  res.summary.Evidence,
			Unmatched: res.summary.Unmatched,
			Via:       g.Contributors(n.Key()),
			Deps:      n.Deps,
			DepKinds:  kinds,
			Reach:     n.Reach,
		})
	}
	report.Violations = policy.Evaluate(g, r.Policy, evidence)
	report.sortDiagnostics()

	r.Logger.Info("analysis finished",
		zap.Int("packages", len(nodes)),
		zap.Int("violations", len(report.Violations)),
		zap.Int("diagnostics", len(report.Diagnostics)),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

// applyAttestations verifies the store's attestations and overrides the
// intrinsic sets they vouch for. It returns the winning signer per package.
func (r *Runner) applyAttestations(nodes []*graph.Node, hashes map[string]string, report *Report) map[string]string {
	if r.Store == nil {
		return nil
	}
	docs, err := r.Store.Load()
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Kind:     KindAttestationUnreadable,
			Severity: SeverityWarning,
			Message:  err.Error(),
		})
	}
	atts := make([]attest.Attestation, len(docs))
	for i, d := range docs {
		atts[i] = d.Attestation
	}

	overrides, rejections := attest.Apply(nodes, atts, r.Keyring, hashes)
	attested := make(map[string]string, len(overrides))
	for _, o := range overrides {
		attested[o.Package] = o.Signer
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Package:  o.Package,
			Kind:     KindAttestationApplied,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%s attested [%s] (computed [%s])", o.Signer, o.Caps, o.Previous),
		})
		r.Logger.Debug("attestation applied", zap.String("package", o.Package), zap.String("signer", o.Signer))
	}
	for _, rej := range rejections {
		kind := KindSignatureInvalid
		if errors.Is(rej.Err, attest.ErrHashMismatch) {
			kind = KindHashMismatch
		}
		report.Diagnostics = append(report.Diagnostics, Diagnostic{
			Package:  rej.Package,
			Kind:     kind,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("attestation by %s rejected: %v", rej.Signer, rej.Err),
		})
		r.Logger.Warn("attestation rejected", zap.String("package", rej.Package), zap.Error(rej.Err))
	}
	return attested
}

// intrinsic returns the intrinsic result for n from memo, computing it at
// most once even when requested concurrently.
func (r *Runner) intrinsic(ctx context.Context, memo *intrinsicMemo, n *graph.Node) (*intrinsicResult, error) {
	r.init()
	key := n.Key() + "\x00" + strings.Join(n.Artifacts, "\x00")
	memo.mu.Lock()
	res, ok := memo.done[key]
	memo.mu.Unlock()
	if ok {
		return res, nil
	}
	v, err, _ := memo.group.Do(key, func() (any, error) {
		memo.mu.Lock()
		res, ok := memo.done[key]
		memo.mu.Unlock()
		if ok {
			return res, nil
		}
		res, err := r.computeIntrinsic(ctx, n)
		if err != nil {
			return nil, err
		}
		memo.mu.Lock()
		memo.done[key] = res
		memo.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*intrinsicResult), nil
}

func (r *Runner) computeIntrinsic(ctx context.Context, n *graph.Node) (*intrinsicResult, error) {
	r.computed.Add(1)
	key := n.Key()
	res := &intrinsicResult{}

	var (
		records     []symbol.Record
		unsupported []string
	)
	for _, path := range n.Artifacts {
		if denied(r.Deny, path) {
			res.diagnostics = append(res.diagnostics, Diagnostic{
				Package:  key,
				Kind:     KindArtifactDenied,
				Severity: SeverityInfo,
				Message:  "skipped denied artifact " + path,
			})
			continue
		}
		recs, source, err := symbol.Collect(ctx, path, r.Filter)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			unsupported = append(unsupported, filepath.Base(path))
			res.diagnostics = append(res.diagnostics, Diagnostic{
				Package:  key,
				Kind:     KindUnsupportedArtifact,
				Severity: SeverityWarning,
				Message:  err.Error(),
			})
			continue
		}
		r.Logger.Debug("symbols extracted",
			zap.String("package", key), zap.String("artifact", path),
			zap.String("source", source), zap.Int("records", len(recs)))
		records = append(records, recs...)
	}

	res.summary = r.Rules.ForPackage(n.Namespaces...).Intrinsic(records)
	res.caps = res.summary.Caps
	res.reason = res.summary.AnyReason()
	if len(unsupported) > 0 {
		res.caps = capability.Any
		res.reason = "unsupported artifact " + strings.Join(unsupported, ", ")
	}
	if n.BuildScript {
		res.caps = res.caps.With(capability.BuildScript)
	}
	if res.summary.FallbackCount > 0 {
		res.diagnostics = append(res.diagnostics, Diagnostic{
			Package:  key,
			Kind:     KindDemangleFallback,
			Severity: SeverityInfo,
			Message: fmt.Sprintf("%d symbol(s) in no known mangling scheme, e.g. %s",
				res.summary.FallbackCount, strings.Join(res.summary.Fallbacks, ", ")),
		})
	}

	hash, err := HashPackage(n, r.Deny)
	if err != nil {
		r.Logger.Warn("artifact hash failed", zap.String("package", key), zap.Error(err))
	}
	res.hash = hash

	r.Logger.Debug("intrinsic computed",
		zap.String("package", key),
		zap.Stringer("caps", res.caps),
		zap.Int("symbols", res.summary.Symbols),
		zap.Int("unmatched", res.summary.UnmatchedCount))
	return res, nil
}

// HashPackage returns the content hash attestations for n are bound to: the
// combined hash of its artifacts that deny lets through.
func HashPackage(n *graph.Node, deny func(string) bool) (string, error) {
	var paths []string
	for _, p := range n.Artifacts {
		if !denied(deny, p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("analysis: %s: no artifacts to hash", n.Key())
	}
	return symbol.HashArtifacts(paths)
}

func denied(deny func(string) bool, path string) bool {
	return deny != nil && deny(path)
}
