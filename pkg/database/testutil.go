package database

import (
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

// NewMockPool returns a pgxmock pool for store tests. It satisfies DBTX, so
// any store taking a DBTX runs against it without a live database. Tests
// should finish with ExpectationsWereMet to catch unmatched expectations.
func NewMockPool() (pgxmock.PgxPoolIface, error) {
	return pgxmock.NewPool()
}
