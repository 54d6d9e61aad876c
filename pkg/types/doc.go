// Package types defines the shared data model for the Symphony control
// plane: deployments, capacity vectors, node records, status reports, and
// log entries. Components reference each other by id, never by handle; the
// reconciler joins them at read time.
package types
