package ociauth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeConcurrency bounds how many contexts TestAll probes at once.
// Expected registry sizes are small; this keeps the CLI process count sane.
const probeConcurrency = 4

// Prober flips each context's validity annotation by running the
// cheapest available authenticated call through the arbiter. Nothing
// here refreshes periodically; staleness is the consumer's problem, to
// be managed by calling Refresh or TestOne before trusting Valid in a
// long-lived process.
type Prober struct {
	registry *Registry
	arbiter  *Arbiter
	log      *slog.Logger
}

// NewProber creates a Prober over a registry and arbiter.
func NewProber(registry *Registry, arbiter *Arbiter, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{registry: registry, arbiter: arbiter, log: log}
}

// TestOne performs the region-listing no-op under exactly the named
// context and updates its validity annotation from the result.
func (p *Prober) TestOne(ctx context.Context, id string) ProbeResult {
	start := time.Now()

	cc, err := p.registry.Get(id)
	if err != nil {
		return ProbeResult{
			ContextID: id,
			Valid:     false,
			Message:   fmt.Sprintf("unknown context: %v", err),
			Duration:  time.Since(start),
		}
	}

	result := ProbeResult{
		ContextID: id,
		Tenancy:   TruncateID(cc.TenancyID),
		Region:    cc.Region,
	}

	outcome, err := p.arbiter.ListRegions(ctx, id)
	result.Duration = time.Since(start)
	probeDuration.Observe(result.Duration.Seconds())

	if err != nil {
		result.Valid = false
		result.Message = fmt.Sprintf("probe failed: %v", err)
		probeResultsTotal.WithLabelValues("invalid").Inc()
	} else {
		result.Valid = true
		result.Method = outcome.Path
		result.Message = fmt.Sprintf("authenticated via %s", outcome.Path)
		probeResultsTotal.WithLabelValues("valid").Inc()
	}

	if err := p.registry.SetValid(id, result.Valid); err != nil {
		// The context may have been removed mid-probe.
		p.log.Warn("could not update validity", "context", id, "error", err)
	}
	p.log.Info("validity probe",
		"context", id, "valid", result.Valid, "duration", result.Duration)
	return result
}

// TestAll probes every registry entry. Independent failures do not abort
// the loop; every context gets a result.
func (p *Prober) TestAll(ctx context.Context) []ProbeResult {
	contexts := p.registry.List()
	results := make([]ProbeResult, len(contexts))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for i, cc := range contexts {
		i, cc := i, cc
		g.Go(func() error {
			res := p.TestOne(gctx, cc.ID)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	// Workers never return errors; Wait only orders the writes.
	_ = g.Wait()
	return results
}

// RefreshAll rebuilds the registry from the credential file, preserving
// the platform-identity entry, and returns the skipped-profile warnings.
func (p *Prober) RefreshAll(ctx context.Context) ([]IncompleteProfileWarning, error) {
	return p.registry.Refresh(ctx)
}

// CapabilityReport probes every context and renders a human-readable
// summary of what the process can authenticate as.
func (p *Prober) CapabilityReport(ctx context.Context) string {
	results := p.TestAll(ctx)
	report := p.registry.Report()

	var b strings.Builder
	fmt.Fprintf(&b, "Credential contexts: %d total, %d valid, %d invalid\n",
		report.Total, report.Valid, report.Invalid)
	if report.PlatformIdentity {
		b.WriteString("Platform identity: available\n")
	} else {
		b.WriteString("Platform identity: not on OCI compute\n")
	}
	if len(report.Profiles) > 0 {
		profiles := append([]string(nil), report.Profiles...)
		sort.Strings(profiles)
		fmt.Fprintf(&b, "Profiles: %s\n", strings.Join(profiles, ", "))
	}
	if report.Preferred != "" {
		fmt.Fprintf(&b, "Preferred: %s\n", report.Preferred)
	} else {
		b.WriteString("Preferred: none (no valid context)\n")
	}

	for _, res := range results {
		status := "invalid"
		if res.Valid {
			status = "valid"
		}
		fmt.Fprintf(&b, "  %-16s %-7s tenancy=%s region=%s %s\n",
			res.ContextID, status, res.Tenancy, res.Region, res.Message)
	}
	return b.String()
}
