package vql

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Complexity caps.
const (
	MaxQueryLength     = 5000
	MaxSelectFields    = 20
	MaxWhereConditions = 10
	MaxGroupByFields   = 5
	MaxOrderByFields   = 3
	MaxLimitValue      = 10000
	MaxLikePatternLen  = 100
)

var allowedTables = map[string]struct{}{
	"metrics": {},
	"traces":  {},
	"spans":   {},
	"alerts":  {},
}

var allowedColumns = map[string]map[string]struct{}{
	"metrics": toSet(
		"id", "timestamp", "service_name", "metric_name", "metric_type",
		"value", "endpoint", "method", "status_code", "duration_ms",
		"tags", "trace_id", "span_id", "aggregated", "resolution_minutes",
		"min_value", "max_value", "p50", "p95", "p99", "sample_count",
		"error_count", "created_at",
	),
	"traces": toSet(
		"trace_id", "service_name", "start_time", "end_time", "duration_ms",
		"span_count", "has_error",
	),
	"spans": toSet(
		"span_id", "trace_id", "parent_span_id", "service_name", "operation",
		"start_time", "duration_ms", "status_code", "error", "tags",
	),
	"alerts": toSet(
		"id", "service_name", "metric_name", "severity", "status", "message",
		"value", "threshold_low", "threshold_high", "first_triggered",
		"last_triggered", "resolved_at", "trigger_count",
	),
}

var allowedFunctions = map[string]struct{}{
	"COUNT":      {},
	"SUM":        {},
	"AVG":        {},
	"MIN":        {},
	"MAX":        {},
	"PERCENTILE": {},
}

var allowedOperators = map[string]struct{}{
	"=": {}, ">": {}, "<": {}, ">=": {}, "<=": {}, "!=": {}, "LIKE": {},
}

var deniedKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "TRUNCATE",
	"ALTER", "CREATE", "REPLACE", "EXEC", "EXECUTE",
	"PRAGMA", "ATTACH", "DETACH",
}

// System catalogs stay off limits regardless of backend.
var deniedTablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bsqlite_\w+`),
	regexp.MustCompile(`(?i)\bpg_catalog\b`),
	regexp.MustCompile(`(?i)\binformation_schema\b`),
}

var (
	identPattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	wildcardRunsPat = regexp.MustCompile(`%{3,}|_{3,}`)
	selectPattern   = regexp.MustCompile(`(?i)\bSELECT\b`)
)

var keywordPatterns = buildKeywordPatterns()

func buildKeywordPatterns() []*regexp.Regexp {
	pats := make([]*regexp.Regexp, 0, len(deniedKeywords))
	for _, kw := range deniedKeywords {
		pats = append(pats, regexp.MustCompile(`(?i)\b`+kw+`\b`))
	}
	return pats
}

func toSet(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// PreValidate runs the raw-text checks that must hold before any parsing:
// length, statement stacking, comments, denied keywords and system tables.
func PreValidate(raw string) error {
	if len(raw) > MaxQueryLength {
		return errors.Errorf("query exceeds %d characters", MaxQueryLength)
	}
	trimmed := strings.TrimSpace(raw)
	if i := strings.IndexByte(trimmed, ';'); i >= 0 && i < len(trimmed)-1 {
		return errors.New("multiple statements not allowed")
	}
	if strings.Contains(raw, "--") || strings.Contains(raw, "/*") {
		return errors.New("comments not allowed")
	}
	if !selectPattern.MatchString(raw) {
		return errors.New("query must be a SELECT")
	}
	for i, pat := range keywordPatterns {
		if pat.MatchString(raw) {
			return errors.Errorf("keyword not allowed: %s", deniedKeywords[i])
		}
	}
	for _, pat := range deniedTablePatterns {
		if pat.MatchString(raw) {
			return errors.New("access to system tables not allowed")
		}
	}
	return nil
}

// Validate checks a parsed query against the whitelists and complexity
// caps. A query that passes is safe to hand to the planner.
func (q *Query) Validate() error {
	if _, ok := allowedTables[q.Table]; !ok {
		return errors.Errorf("table not allowed: %s", q.Table)
	}
	columns := allowedColumns[q.Table]

	if len(q.Fields) == 0 {
		return errors.New("no fields selected")
	}
	if len(q.Fields) > MaxSelectFields {
		return errors.Errorf("too many SELECT fields: %d > %d", len(q.Fields), MaxSelectFields)
	}
	if len(q.Where) > MaxWhereConditions {
		return errors.Errorf("too many WHERE conditions: %d > %d", len(q.Where), MaxWhereConditions)
	}
	if len(q.GroupBy) > MaxGroupByFields {
		return errors.Errorf("too many GROUP BY fields: %d > %d", len(q.GroupBy), MaxGroupByFields)
	}
	if len(q.OrderBy) > MaxOrderByFields {
		return errors.Errorf("too many ORDER BY fields: %d > %d", len(q.OrderBy), MaxOrderByFields)
	}

	aliases := map[string]struct{}{}
	for _, f := range q.Fields {
		if err := validateField(f, columns); err != nil {
			return err
		}
		if f.Alias != "" {
			if !identPattern.MatchString(f.Alias) {
				return errors.Errorf("invalid alias: %s", f.Alias)
			}
			aliases[f.Alias] = struct{}{}
		}
	}

	for _, c := range q.Where {
		if err := validateColumn(c.Field, columns); err != nil {
			return err
		}
		if _, ok := allowedOperators[c.Operator]; !ok {
			return errors.Errorf("operator not allowed: %s", c.Operator)
		}
		if err := validateValue(c.Value); err != nil {
			return err
		}
		if c.Operator == "LIKE" {
			if err := validateLikePattern(c.Value); err != nil {
				return err
			}
		}
	}

	for _, g := range q.GroupBy {
		if err := validateColumn(g, columns); err != nil {
			return err
		}
	}

	for _, o := range q.OrderBy {
		if o.Expr.IsAggregate() {
			if err := validateField(o.Expr, columns); err != nil {
				return err
			}
			continue
		}
		if _, ok := aliases[o.Expr.Column]; ok {
			continue
		}
		if err := validateColumn(o.Expr.Column, columns); err != nil {
			return err
		}
	}

	if q.Limit != nil {
		if *q.Limit <= 0 {
			return errors.New("LIMIT must be positive")
		}
		if *q.Limit > MaxLimitValue {
			return errors.Errorf("LIMIT exceeds maximum: %d", MaxLimitValue)
		}
	}
	return nil
}

func validateField(f Field, columns map[string]struct{}) error {
	if !f.IsAggregate() {
		if f.Column == "*" {
			return nil
		}
		return validateColumn(f.Column, columns)
	}
	if _, ok := allowedFunctions[f.Func]; !ok {
		return errors.Errorf("function not allowed: %s", f.Func)
	}
	if f.Column == "*" {
		if f.Func != "COUNT" {
			return errors.Errorf("%s(*) not allowed", f.Func)
		}
	} else if err := validateColumn(f.Column, columns); err != nil {
		return err
	}
	if f.Func == "PERCENTILE" {
		switch f.Percentile {
		case 50, 95, 99:
		default:
			return errors.Errorf("unsupported percentile: %d", f.Percentile)
		}
	} else if f.Percentile != 0 {
		return errors.Errorf("%s takes one argument", f.Func)
	}
	return nil
}

func validateColumn(col string, columns map[string]struct{}) error {
	if !identPattern.MatchString(col) {
		return errors.Errorf("invalid identifier: %s", col)
	}
	if _, ok := columns[col]; !ok {
		return errors.Errorf("column not allowed: %s", col)
	}
	return nil
}

// validateValue rejects literal values carrying injection fragments. Values
// are parameter-bound anyway, so this is a second fence, not the primary
// defense.
func validateValue(v string) error {
	lowered := strings.ToLower(v)
	for _, bad := range []string{";", "--", "/*", "*/", "xp_", "sp_", "union"} {
		if strings.Contains(lowered, bad) {
			return errors.Errorf("value contains disallowed sequence: %s", bad)
		}
	}
	for i, pat := range keywordPatterns {
		if pat.MatchString(v) {
			return errors.Errorf("value contains keyword: %s", deniedKeywords[i])
		}
	}
	return nil
}

func validateLikePattern(pattern string) error {
	if len(pattern) > MaxLikePatternLen {
		return errors.Errorf("LIKE pattern exceeds %d characters", MaxLikePatternLen)
	}
	if wildcardRunsPat.MatchString(pattern) {
		return errors.New("LIKE pattern contains too many consecutive wildcards")
	}
	return nil
}
