package index

import "strings"

// Quote renders s as a filter string literal, doubling single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Filter builds the filter expression for the category and brand
// constraints. categories, when non-empty, supersede category. Clauses of
// different kinds are joined with and; values of one kind with or. The
// brand clause is always parenthesized.
// Returns "" when there is no constraint.
func Filter(category string, categories, brands []string) string {
	var clauses []string
	switch {
	case len(categories) == 1:
		clauses = append(clauses, eqClause("category", categories[0]))
	case len(categories) > 1:
		clauses = append(clauses, orClause("category", categories))
	case category != "":
		clauses = append(clauses, eqClause("category", category))
	}
	if len(brands) > 0 {
		clauses = append(clauses, orClause("brand", brands))
	}
	return strings.Join(clauses, " and ")
}

func eqClause(field, value string) string {
	return field + " eq " + Quote(value)
}

func orClause(field string, values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = eqClause(field, v)
	}
	return "(" + strings.Join(parts, " or ") + ")"
}
