// Package health verifies that brand sites are reachable and accept this node's
// credentials before a mutating operation is allowed to proceed.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RegistryAccord/onemedia-go/internal/metrics"
	"github.com/RegistryAccord/onemedia-go/internal/model"
	"github.com/RegistryAccord/onemedia-go/internal/remote"
)

// Prober performs the authenticated health-check call against one target.
type Prober interface {
	HealthCheck(ctx context.Context, t model.Target) error
}

// Result is the outcome of checking one target.
type Result struct {
	Reachable bool
	Message   string
}

// FailedSitesError reports every site that failed a health check gate.
type FailedSitesError struct {
	Sites []model.FailedSite
}

func (e *FailedSitesError) Error() string {
	names := make([]string, 0, len(e.Sites))
	for _, s := range e.Sites {
		name := s.SiteName
		if name == "" {
			name = s.URL
		}
		names = append(names, name)
	}
	return fmt.Sprintf("%d brand site(s) unreachable: %s", len(e.Sites), strings.Join(names, ", "))
}

// Checker runs health checks.
type Checker struct {
	prober  Prober
	metrics *metrics.Metrics
}

// NewChecker creates a Checker backed by prober.
func NewChecker(prober Prober) *Checker {
	return &Checker{prober: prober, metrics: metrics.NewMetrics()}
}

// Check probes a single target.
func (c *Checker) Check(ctx context.Context, t model.Target) Result {
	err := c.prober.HealthCheck(ctx, t)
	c.metrics.HealthCheckTotal.WithLabelValues(metrics.StatusLabel(err)).Inc()
	if err != nil {
		slog.Warn("brand site health check failed", "site", t.URL, "error", err)
		return Result{Reachable: false, Message: Reason(err)}
	}
	return Result{Reachable: true, Message: "Health check passed"}
}

// CheckAll probes each distinct target URL once, in order, and returns every failure.
func (c *Checker) CheckAll(ctx context.Context, targets []model.Target) []model.FailedSite {
	seen := make(map[string]bool, len(targets))
	var failed []model.FailedSite
	for _, t := range targets {
		key := strings.ToLower(model.NormalizeSiteURL(t.URL))
		if seen[key] {
			continue
		}
		seen[key] = true

		if res := c.Check(ctx, t); !res.Reachable {
			failed = append(failed, model.FailedSite{SiteName: t.Name, URL: t.URL, Message: res.Message})
		}
	}
	return failed
}

// Gate returns a *FailedSitesError when any target fails its health check.
func (c *Checker) Gate(ctx context.Context, targets []model.Target) error {
	if failed := c.CheckAll(ctx, targets); len(failed) > 0 {
		return &FailedSitesError{Sites: failed}
	}
	return nil
}

// Reason renders a remote failure as a human readable reason that separates a
// missing key from an HTTP error and a transport error.
func Reason(err error) string {
	if errors.Is(err, remote.ErrMissingAPIKey) {
		return "API key missing"
	}
	var rerr *remote.Error
	if errors.As(err, &rerr) {
		if rerr.StatusCode == 0 {
			return rerr.Error()
		}
		return fmt.Sprintf("HTTP error: %s", rerr.Error())
	}
	return err.Error()
}
