// Package query builds the parameterized SQL for business search. Each
// supplied criterion becomes one predicate; absent criteria are omitted
// entirely, and every user value travels as a bind argument.
package query

import (
	"fmt"
	"regexp"
	"strings"

	"business_search_backend/internal/businesses/cursor"
	"business_search_backend/internal/businesses/domain"

	"golang.org/x/text/unicode/norm"
)

// DefaultLanguage is the text search configuration used when none is set.
const DefaultLanguage = "english"

// Columns is the projection shared by search and single-record lookups.
const Columns = `id, name, description, category, address,
		ST_Y(location::geometry) AS latitude, ST_X(location::geometry) AS longitude,
		avg_rating, num_rating`

// ViewSQL fetches one business by primary key.
const ViewSQL = `SELECT ` + Columns + `
	FROM businesses
	WHERE id = $1`

// Text search configurations are inlined so the planner can match the
// expression index; only plain identifiers are accepted.
var languagePattern = regexp.MustCompile(`^[a-z_]+$`)

// Params are the resolved search criteria. Defaults and limits have already
// been applied by the caller.
type Params struct {
	Center   *domain.GeoPoint
	Radius   float64
	Text     string
	Category string
	Language string
	Limit    int
}

// Predicate is one AND-combined condition of a compiled query.
type Predicate interface {
	render(bind func(any) string) string
}

// GeoRadius keeps businesses within Meters of Center, measured on the
// spheroid.
type GeoRadius struct {
	Center domain.GeoPoint
	Meters float64
}

func (p GeoRadius) render(bind func(any) string) string {
	return fmt.Sprintf("ST_DWithin(location, ST_SetSRID(ST_MakePoint(%s, %s), 4326)::geography, %s)",
		bind(p.Center.Lng), bind(p.Center.Lat), bind(p.Meters))
}

// TextMatch keeps businesses whose name matches Query under the language's
// stemming rules.
type TextMatch struct {
	Language string
	Query    string
}

func (p TextMatch) render(bind func(any) string) string {
	return fmt.Sprintf("to_tsvector('%s', name) @@ websearch_to_tsquery('%s', %s)",
		p.Language, p.Language, bind(p.Query))
}

// CategoryEquals keeps businesses in exactly this category.
type CategoryEquals struct {
	Category string
}

func (p CategoryEquals) render(bind func(any) string) string {
	return "category = " + bind(p.Category)
}

// After keeps businesses that sort strictly after Position under
// avg_rating DESC, id ASC.
type After struct {
	Position cursor.Position
}

func (p After) render(bind func(any) string) string {
	rating := bind(p.Position.Rating)
	return fmt.Sprintf("(avg_rating < %s OR (avg_rating = %s AND id > %s))",
		rating, rating, bind(p.Position.ID))
}

// CompiledQuery is a search ready to execute.
type CompiledQuery struct {
	Predicates []Predicate
	// Limit is the page size; one extra row is fetched to detect more pages.
	Limit int
}

// Fetch is the number of rows the query asks for.
func (q CompiledQuery) Fetch() int {
	return q.Limit + 1
}

// SQL renders the statement and its bind arguments. Placeholders are
// numbered in predicate order, followed by the limit.
func (q CompiledQuery) SQL() (string, []any) {
	args := make([]any, 0, len(q.Predicates)*3+1)
	bind := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	whereClauses := make([]string, 0, len(q.Predicates))
	for _, p := range q.Predicates {
		whereClauses = append(whereClauses, p.render(bind))
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(Columns)
	sb.WriteString("\n\tFROM businesses")
	if len(whereClauses) > 0 {
		sb.WriteString("\n\tWHERE ")
		sb.WriteString(strings.Join(whereClauses, " AND "))
	}
	sb.WriteString("\n\tORDER BY avg_rating DESC, id ASC")
	sb.WriteString("\n\tLIMIT ")
	sb.WriteString(bind(q.Fetch()))

	return sb.String(), args
}

// Build compiles params into a query. after, when non-nil, restricts the
// results to those following a previous page.
func Build(params Params, after *cursor.Position) CompiledQuery {
	var predicates []Predicate

	if params.Center != nil {
		predicates = append(predicates, GeoRadius{Center: *params.Center, Meters: params.Radius})
	}
	if text := NormalizeText(params.Text); text != "" {
		predicates = append(predicates, TextMatch{Language: language(params.Language), Query: text})
	}
	if category := strings.TrimSpace(params.Category); category != "" {
		predicates = append(predicates, CategoryEquals{Category: category})
	}
	if after != nil {
		predicates = append(predicates, After{Position: *after})
	}

	return CompiledQuery{Predicates: predicates, Limit: params.Limit}
}

// NormalizeText applies Unicode NFC normalization and collapses runs of
// whitespace, so equivalent inputs bind identical query text.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func language(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if !languagePattern.MatchString(lang) {
		return DefaultLanguage
	}
	return lang
}
