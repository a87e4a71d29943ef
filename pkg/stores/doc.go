// Package stores keeps the provisioning journal: one row per agent run and
// one row per backend attempt, in a local SQLite database.
//
// The journal is advisory. The agent writes to it on a best-effort basis and
// a journal failure never changes the outcome of a run. Schema changes are
// applied with embedded golang-migrate migrations.
package stores
