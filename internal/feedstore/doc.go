// Package feedstore provides the durable feed entry store: an in-memory
// implementation for tests and development and a PostgreSQL implementation
// for production. Both honor the insert-ignore contract of feed.Store.
package feedstore
