package query

// JoinKind is the join variant a Join node applies.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
	JoinRight JoinKind = "right"
	JoinFull  JoinKind = "full"
)

// Source names an input to a Query: either a logical collection,
// resolved against a binder supplied at Plan-execution time (so the IR
// itself never references a concrete *collection.Collection and avoids an
// import cycle), or an inline sub-query.
type Source struct {
	Alias      string
	Collection string
	Sub        *Query
}

// Join attaches Source to the query under an inner/left/right/full join
// against On, an equality-shaped predicate referencing fields from both
// sides' aliases.
type Join struct {
	Source Source
	Kind   JoinKind
	On     Expr
}

// OrderTerm is one ORDER BY term.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

// Query is the structured IR of spec §3.3: {from, joins, where, groupBy,
// having, orderBy, limit, offset, select, findOne}.
type Query struct {
	From    Source
	Joins   []Join
	Where   Expr
	GroupBy []Expr
	Having  Expr
	OrderBy []OrderTerm
	Limit   int
	Offset  int
	Select  map[string]Expr
	FindOne bool
}

// Builder assembles a Query fluently; it never parses text (spec §1
// Non-goals: "SQL parsing from text").
type Builder struct {
	q Query
}

// From starts a query rooted at collectionID under alias.
func From(alias, collectionID string) *Builder {
	return &Builder{q: Query{From: Source{Alias: alias, Collection: collectionID}}}
}

// FromSub starts a query rooted at a sub-query under alias.
func FromSub(alias string, sub *Query) *Builder {
	return &Builder{q: Query{From: Source{Alias: alias, Sub: sub}}}
}

func (b *Builder) Join(alias, collectionID string, kind JoinKind, on Expr) *Builder {
	b.q.Joins = append(b.q.Joins, Join{Source: Source{Alias: alias, Collection: collectionID}, Kind: kind, On: on})
	return b
}

func (b *Builder) JoinSub(alias string, sub *Query, kind JoinKind, on Expr) *Builder {
	b.q.Joins = append(b.q.Joins, Join{Source: Source{Alias: alias, Sub: sub}, Kind: kind, On: on})
	return b
}

func (b *Builder) Where(e Expr) *Builder {
	b.q.Where = e
	return b
}

func (b *Builder) GroupBy(exprs ...Expr) *Builder {
	b.q.GroupBy = exprs
	return b
}

func (b *Builder) Having(e Expr) *Builder {
	b.q.Having = e
	return b
}

func (b *Builder) OrderBy(e Expr, desc bool) *Builder {
	b.q.OrderBy = append(b.q.OrderBy, OrderTerm{Expr: e, Desc: desc})
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = n
	return b
}

func (b *Builder) Offset(n int) *Builder {
	b.q.Offset = n
	return b
}

func (b *Builder) Select(projection map[string]Expr) *Builder {
	b.q.Select = projection
	return b
}

func (b *Builder) FindOne() *Builder {
	b.q.FindOne = true
	b.q.Limit = 1
	return b
}

// Build finalizes the query. It does not validate; call Validate (or
// Compile, which validates internally) before execution.
func (b *Builder) Build() *Query { return &b.q }
