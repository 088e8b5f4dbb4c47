package arbor

import "github.com/arborq/arbor/internal/query"

// Query IR and fluent builder (spec §4.G). There is no text parser:
// queries are built programmatically via From/Join/Where/... and Build().
type (
	Query         = query.Query
	QueryBuilder  = query.Builder
	QueryJoinKind = query.JoinKind
	Expr          = query.Expr
	PropRef       = query.PropRef
	Value         = query.Value
	Func          = query.Func
	Aggregate     = query.Aggregate
	AggregateKind = query.AggregateKind
	Row           = query.Row
	Plan          = query.Plan
)

const (
	JoinInner = query.JoinInner
	JoinLeft  = query.JoinLeft
	JoinRight = query.JoinRight
	JoinFull  = query.JoinFull

	AggSum   = query.AggSum
	AggCount = query.AggCount
	AggAvg   = query.AggAvg
	AggMin   = query.AggMin
	AggMax   = query.AggMax
)

// From starts a query builder rooted at alias bound to collectionID.
func From(alias, collectionID string) *QueryBuilder { return query.From(alias, collectionID) }

// FromSub starts a query builder rooted at a sub-query's result set.
func FromSub(alias string, sub *Query) *QueryBuilder { return query.FromSub(alias, sub) }

// Prop references a field path rooted at an alias (e.g. Prop("u", "Age")).
func Prop(path ...string) PropRef { return query.Prop(path...) }

// Lit wraps a literal value as an Expr.
func Lit(v any) Value { return query.Lit(v) }

// Call builds a named function-call expression (eq, gt, and, coalesce, ...).
func Call(name string, args ...Expr) Func { return query.Call(name, args...) }

// Agg builds an aggregate expression for use in GroupBy/Having/Select.
func Agg(kind AggregateKind, arg Expr) Aggregate { return query.Agg(kind, arg) }

// Compile validates and lowers q into an executable Plan (spec §4.G).
func Compile(q *Query) (*Plan, error) { return query.Compile(q) }

// Eval evaluates expr against row (used by filter/select/having operators).
func Eval(expr Expr, row Row) (any, error) { return query.Eval(expr, row) }
