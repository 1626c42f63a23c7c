package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Shugur-Network/inbox-relay/internal/constants"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
)

const eventColumns = `id, pubkey, kind, created_at, content, tags, sig, delegator, deleted_at`

// CompiledFilter is one filter reduced to the predicates the events table
// can answer. Tag names are sorted so the generated SQL is stable.
type CompiledFilter struct {
	IDs      []string
	Authors  []string
	Kinds    []int
	Since    *int64
	Until    *int64
	TagNames []string
	Tags     map[string][]string
	Limit    int
}

// CompileFilter pre-compiles a subscription filter for query building
func CompileFilter(f filters.Filter) *CompiledFilter {
	cf := &CompiledFilter{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Tags:    make(map[string][]string, len(f.Tags)),
		Limit:   f.Limit,
	}

	if cf.Limit <= 0 {
		cf.Limit = constants.DefaultQueryLimit
	}
	if cf.Limit > constants.MaxQueryLimit {
		cf.Limit = constants.MaxQueryLimit
	}

	if f.Since != nil {
		v := int64(*f.Since)
		cf.Since = &v
	}
	if f.Until != nil {
		v := int64(*f.Until)
		cf.Until = &v
	}

	// An empty value list places no constraint, same as the in-memory matcher.
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		cf.Tags[name] = values
		cf.TagNames = append(cf.TagNames, name)
	}
	sort.Strings(cf.TagNames)

	return cf
}

// BuildQuery renders the filter as a SELECT whose placeholders start at
// argIndex. It returns the next free placeholder index.
func (cf *CompiledFilter) BuildQuery(argIndex int) (string, []interface{}, int) {
	query := strings.Builder{}
	args := make([]interface{}, 0, 8)

	query.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE true`)

	if len(cf.IDs) > 0 {
		query.WriteString(fmt.Sprintf(" AND id = ANY($%d::text[])", argIndex))
		args = append(args, cf.IDs)
		argIndex++
	}
	if len(cf.Authors) > 0 {
		query.WriteString(fmt.Sprintf(" AND pubkey = ANY($%d::text[])", argIndex))
		args = append(args, cf.Authors)
		argIndex++
	}
	if len(cf.Kinds) > 0 {
		query.WriteString(fmt.Sprintf(" AND kind = ANY($%d::integer[])", argIndex))
		args = append(args, cf.Kinds)
		argIndex++
	}
	if cf.Since != nil {
		query.WriteString(fmt.Sprintf(" AND created_at >= $%d", argIndex))
		args = append(args, *cf.Since)
		argIndex++
	}
	if cf.Until != nil {
		query.WriteString(fmt.Sprintf(" AND created_at <= $%d", argIndex))
		args = append(args, *cf.Until)
		argIndex++
	}

	// Values of one tag are alternatives; distinct tag names must all match.
	for _, name := range cf.TagNames {
		values := cf.Tags[name]
		clauses := make([]string, len(values))
		for i, value := range values {
			clauses[i] = fmt.Sprintf("tags @> $%d", argIndex)
			args = append(args, [][]string{{name, value}})
			argIndex++
		}
		query.WriteString(" AND (" + strings.Join(clauses, " OR ") + ")")
	}

	query.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIndex))
	args = append(args, cf.Limit)
	argIndex++

	return query.String(), args, argIndex
}

// buildFindQuery unions the per-filter queries. Each filter keeps its own
// newest-first limit; the union is delivered oldest first.
func buildFindQuery(fs []filters.Filter) (string, []interface{}) {
	parts := make([]string, 0, len(fs))
	args := make([]interface{}, 0, len(fs)*4)
	argIndex := 1

	for _, f := range fs {
		sql, fargs, next := CompileFilter(f).BuildQuery(argIndex)
		parts = append(parts, "("+sql+")")
		args = append(args, fargs...)
		argIndex = next
	}

	query := `SELECT ` + eventColumns + ` FROM (` + strings.Join(parts, " UNION ") +
		`) AS matched ORDER BY created_at ASC, id ASC`
	return query, args
}
