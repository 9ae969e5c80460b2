package vql

// Field is one SELECT expression: a bare column, `*`, or an aggregate call.
type Field struct {
	// Column is the referenced column, or "*" for the star select.
	Column string
	// Func is the aggregate function name, upper-cased, empty for plain
	// columns.
	Func string
	// Percentile is set for PERCENTILE(col, n) calls.
	Percentile int
	// Alias from an AS clause, if any.
	Alias string
}

// IsAggregate reports whether the field is a function call.
func (f Field) IsAggregate() bool { return f.Func != "" }

// Condition is one WHERE predicate. Value is always bound as a positional
// parameter, never spliced into SQL text.
type Condition struct {
	Field    string
	Operator string
	Value    string
	// Numeric notes whether the literal was unquoted, so the planner can
	// bind it as a number.
	Numeric bool
}

// Order is one ORDER BY entry. Expr is either a plain column or an
// aggregate call mirroring a SELECT field.
type Order struct {
	Expr       Field
	Descending bool
}

// Query is a parsed statement. A nil Limit means no LIMIT clause.
type Query struct {
	Fields  []Field
	Table   string
	Where   []Condition
	GroupBy []string
	OrderBy []Order
	Limit   *int
}
