package postgres

import (
	"fmt"

	"github.com/alanyoungcy/riskengine/internal/domain"
)

// withListOpts appends the created_at window, newest-first ordering and
// LIMIT/OFFSET of opts to a query whose WHERE clause already binds args.
func withListOpts(query string, args []any, opts domain.ListOpts) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Since != nil {
		query += " AND created_at >= " + next(*opts.Since)
	}
	if opts.Until != nil {
		query += " AND created_at <= " + next(*opts.Until)
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + next(opts.Offset)
	}
	return query, args
}
