//go:build !cgo

package busaudit

import _ "modernc.org/sqlite"

// driverName is the database/sql driver registered for this build.
// The pure-Go modernc.org/sqlite driver is the default so the audit
// trail never forces a cgo build on a consumer who only wants the
// in-process bus.
const driverName = "sqlite"
