package store

import "context"

// CountRows returns the number of rows in table.
func CountRows(ctx context.Context, s *Store, table string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+table)
	return n, err
}
