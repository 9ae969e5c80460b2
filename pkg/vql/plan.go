package vql

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Plan renders a validated query as parameterized SQL. Every literal value
// becomes a positional parameter; identifiers were whitelisted in Validate,
// so the rendered text contains nothing user-controlled.
func Plan(q *Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	for i, f := range q.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(renderField(f))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(q.Table)

	var args []any
	if len(q.Where) > 0 {
		sb.WriteString(" WHERE ")
		for i, c := range q.Where {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			args = append(args, bindValue(c))
			fmt.Fprintf(&sb, "%s %s $%d", c.Field, c.Operator, len(args))
		}
	}

	if len(q.GroupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(q.GroupBy, ", "))
	}

	if len(q.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, o := range q.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(renderOrderExpr(o.Expr))
			if o.Descending {
				sb.WriteString(" DESC")
			}
		}
	}

	if q.Limit != nil {
		fmt.Fprintf(&sb, " LIMIT %d", *q.Limit)
	}
	return sb.String(), args, nil
}

// renderField renders one SELECT expression. PERCENTILE(col, n) maps onto
// the downsampled pN columns.
func renderField(f Field) string {
	var expr string
	switch {
	case f.Func == "PERCENTILE":
		expr = fmt.Sprintf("p%d", f.Percentile)
	case f.IsAggregate():
		expr = fmt.Sprintf("%s(%s)", f.Func, f.Column)
	default:
		expr = f.Column
	}
	if f.Alias != "" {
		expr += " AS " + f.Alias
	}
	return expr
}

func renderOrderExpr(f Field) string {
	if f.Func == "PERCENTILE" {
		return fmt.Sprintf("p%d", f.Percentile)
	}
	if f.IsAggregate() {
		return fmt.Sprintf("%s(%s)", f.Func, f.Column)
	}
	return f.Column
}

// bindValue types the parameter: unquoted literals bind as numbers so
// comparisons on numeric columns behave.
func bindValue(c Condition) any {
	if !c.Numeric {
		return c.Value
	}
	if i, err := strconv.ParseInt(c.Value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(c.Value, 64); err == nil {
		return f
	}
	return c.Value
}

// Compile is the full front door: raw-text checks, parse, validate, plan.
func Compile(raw string) (string, []any, error) {
	if err := PreValidate(raw); err != nil {
		return "", nil, err
	}
	q, err := Parse(raw)
	if err != nil {
		return "", nil, errors.Wrap(err, "parsing query")
	}
	sql, args, err := Plan(q)
	if err != nil {
		return "", nil, err
	}
	return sql, args, nil
}
