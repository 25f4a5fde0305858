// Package classify assigns submitted jobs to a family and supplies the
// family's default retry and timeout policy.
package classify

import (
	"log/slog"
	"time"

	"github.com/kmansel/jobdispatch/pkg/models"
)

// FamilyDefaults holds the per-family policy applied when a submission
// omits explicit overrides.
type FamilyDefaults struct {
	MaxRetries     int
	TimeoutSeconds int
	SLATarget      time.Duration // zero means no latency alerting
}

var familyDefaults = map[string]FamilyDefaults{
	models.FamilyInteractive: {MaxRetries: 2, TimeoutSeconds: 30, SLATarget: 10 * time.Second},
	models.FamilyScheduled:   {MaxRetries: 3, TimeoutSeconds: 300, SLATarget: 60 * time.Second},
	models.FamilyLongRunning: {MaxRetries: 5, TimeoutSeconds: 3600},
}

// registry maps known job names to their expected family. It is
// advisory: job names are extensible, so unknown names are accepted and
// an explicit family that contradicts the registry only logs a warning.
var registry = map[string]string{
	"security_scan":    models.FamilyLongRunning,
	"report_export":    models.FamilyLongRunning,
	"data_backfill":    models.FamilyLongRunning,
	"code_generation":  models.FamilyInteractive,
	"webhook_delivery": models.FamilyInteractive,
	"preview_render":   models.FamilyInteractive,
	"email_digest":     models.FamilyScheduled,
	"usage_rollup":     models.FamilyScheduled,
	"invoice_sync":     models.FamilyScheduled,
}

// Classify resolves a job's family. An explicit family from the caller
// is honored; otherwise the registry decides, and unknown names fall
// into long_running, the least latency-sensitive bucket.
func Classify(name, explicit string) string {
	expected, known := registry[name]

	if explicit != "" {
		if known && explicit != expected {
			slog.Warn("explicit family disagrees with registry",
				"job_name", name,
				"explicit", explicit,
				"expected", expected,
			)
		}
		return explicit
	}

	if known {
		return expected
	}
	return models.FamilyLongRunning
}

// Defaults returns the policy defaults for a family.
func Defaults(family string) FamilyDefaults {
	if d, ok := familyDefaults[family]; ok {
		return d
	}
	return familyDefaults[models.FamilyLongRunning]
}
