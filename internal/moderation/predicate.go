package moderation

import (
	"fmt"
	"strings"
)

// Predicate renders the same rule as Admits as a SQL boolean expression over
// a JSONB column holding the tag map (NULL = unprocessed). Placeholders are
// numbered from argOffset+1; the returned args bind them in order.
func Predicate(mode Mode, filters []Filter, column string, argOffset int) (string, []any) {
	if mode == ModeOff {
		return "TRUE", nil
	}

	var (
		conds []string
		args  []any
	)
	for _, f := range filters {
		fallback := "TRUE"
		if f.Strict {
			fallback = "FALSE"
		}
		conds = append(conds, fmt.Sprintf(
			"COALESCE((%s->>$%d)::int <= $%d, %s)",
			column, argOffset+len(args)+1, argOffset+len(args)+2, fallback,
		))
		args = append(args, f.Tag, f.MaxLevel)
	}
	body := "TRUE"
	if len(conds) > 0 {
		body = strings.Join(conds, " AND ")
	}

	switch mode {
	case ModeLazy:
		return fmt.Sprintf("(%s IS NULL OR (%s))", column, body), args
	case ModeStrong:
		return fmt.Sprintf("(%s IS NOT NULL AND (%s))", column, body), args
	default:
		return "FALSE", nil
	}
}
