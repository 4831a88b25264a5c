package db

import (
	"fmt"
	"regexp"
	"testing"
)

// The column list is spliced between keywords in every reminder query. If a
// splice point loses its whitespace the result is SQL like "updated_atFROM",
// which fails on every execution.
func TestReminderQueriesKeepKeywordSeparators(t *testing.T) {
	glued := regexp.MustCompile(`[^\s](FROM|WHERE|RETURNING|ORDER|LIMIT|OFFSET)\b`)

	queries := map[string]string{
		"get":    getReminderQuery,
		"list":   listRemindersQuery,
		"apply":  fmt.Sprintf(applyTransitionQueryFmt, "updated_at = NOW()", "id = $1 AND status = ANY($2)"),
		"update": fmt.Sprintf(updateContentQueryFmt, "updated_at = NOW()"),
	}

	for name, q := range queries {
		if m := glued.FindString(q); m != "" {
			t.Errorf("%s query glues a keyword to the preceding token: %q", name, m)
		}
	}
}
