//go:build cgo

package busaudit

import _ "github.com/mattn/go-sqlite3"

// driverName is the database/sql driver registered for this build.
// A cgo-enabled build links mattn/go-sqlite3 instead of the pure-Go
// driver, matching the teacher's own production stores.
const driverName = "sqlite3"
