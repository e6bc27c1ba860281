// Package all registers every storage backend. Blank-import it from
// the main package to make the kinds selectable at runtime.
package all

import (
	_ "bizmon/internal/storage/mssql"
	_ "bizmon/internal/storage/postgres"
	_ "bizmon/internal/storage/sqlite"
)
