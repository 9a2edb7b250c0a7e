// Package store persists the podcast catalog: users, feeds, episodes,
// analysis clips, and digests. All writes retry on SQLITE_BUSY and status
// moves are conditional updates so concurrent workers never double-claim.
package store
