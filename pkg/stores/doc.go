// Package stores persists workflow state for cmimport. It includes a
// SQLite store with WAL mode and embedded migrations for workflow runs,
// iterations, import jobs, the import activity log, workflow events and
// audit entries, plus the file-based recovery ledger.
package stores
