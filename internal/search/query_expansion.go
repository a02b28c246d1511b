package search

import "strings"

// synonyms is the static synonym map spec §4.F's query-expansion toggle
// calls for, grounded verbatim on original_source/db/services/search_service.py's
// _expand_query: a small hand-picked table, one synonym added per matched
// term, not a full thesaurus.
var synonyms = map[string][]string{
	"search":       {"find"},
	"message":      {"text"},
	"conversation": {"chat"},
	"database":     {"storage"},
	"postgresql":   {"postgres"},
	"embedding":    {"vector"},
}

// ExpandQuery widens a query by OR-ing in one synonym per recognized term,
// for PostgreSQL FTS-style matching (spec §4.F: "expand the query using a
// static synonym map (add OR-terms)"). A query with no recognized terms is
// returned unchanged, since joining unexpanded terms with "|" would loosen
// a plain AND-style match into an OR of the same single terms for no gain.
func ExpandQuery(query string) string {
	words := strings.Fields(strings.ToLower(query))
	expanded := make([]string, 0, len(words))
	grew := false
	for _, w := range words {
		expanded = append(expanded, w)
		if syns, ok := synonyms[w]; ok {
			expanded = append(expanded, syns[0])
			grew = true
		}
	}
	if !grew {
		return query
	}
	return strings.Join(expanded, " | ")
}
