// Package routing decides which execution backend receives a job.
package routing

import (
	"context"
	"log/slog"

	"github.com/kmansel/jobdispatch/internal/flags"
	"github.com/kmansel/jobdispatch/pkg/models"
)

// Policy resolves a destination from feature flags. The flag client is
// injected so both routing outcomes are testable without global state.
// The policy is consulted once per job, at first dispatch; retries keep
// the destination recorded on the job.
type Policy struct {
	flags flags.Client
	flag  string
}

func NewPolicy(fc flags.Client, flagName string) *Policy {
	return &Policy{flags: fc, flag: flagName}
}

// Route picks the backend for a family. A per-family flag
// ("<flag>.<family>") takes precedence over the global flag. Flag reads
// that fail select legacy: it is the system with the longer operational
// track record, so an unreachable flag service must not shift traffic
// to the new backend.
func (p *Policy) Route(ctx context.Context, family string) string {
	enabled, err := p.flags.Bool(ctx, p.flag+"."+family)
	if err != nil {
		slog.Warn("flag read failed, routing to legacy", "flag", p.flag, "family", family, "error", err)
		return models.DestinationLegacy
	}
	if enabled {
		return models.DestinationNew
	}

	enabled, err = p.flags.Bool(ctx, p.flag)
	if err != nil {
		slog.Warn("flag read failed, routing to legacy", "flag", p.flag, "family", family, "error", err)
		return models.DestinationLegacy
	}
	if enabled {
		return models.DestinationNew
	}
	return models.DestinationLegacy
}
