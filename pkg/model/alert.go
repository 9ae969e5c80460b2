package model

import "time"

// Alert severities, ordered weakest to strongest. A firing alert's severity
// is only ever raised, never lowered, until it resolves.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	AlertStatusFiring   = "firing"
	AlertStatusResolved = "resolved"
)

// severityRank orders severities for the never-downgrade rule.
var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// SeverityAtLeast reports whether a is at least as severe as b.
func SeverityAtLeast(a, b string) bool {
	return severityRank[a] >= severityRank[b]
}

// Alert is one anomaly detection against a (service, metric) series.
type Alert struct {
	ID             int64      `json:"id"`
	ServiceName    string     `json:"service_name"`
	MetricName     string     `json:"metric_name"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	ThresholdLow   float64    `json:"threshold_low"`
	ThresholdHigh  float64    `json:"threshold_high"`
	FirstTriggered time.Time  `json:"first_triggered"`
	LastTriggered  time.Time  `json:"last_triggered"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	TriggerCount   int        `json:"trigger_count"`
}
