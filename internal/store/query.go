package store

import (
	"context"
	"fmt"
)

// Query runs a parameterized statement on behalf of a module and
// returns the rows as generic records. Implements the core's DB
// surface for the databaseQuery proxy.
func (s *PostgresStore) Query(ctx context.Context, sql string, args []any) ([]map[string]any, error) {
	if sql == "" {
		return nil, fmt.Errorf("empty query")
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("module query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[fd.Name] = values[i]
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("module query: %w", err)
	}
	return out, nil
}
