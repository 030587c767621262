// Package mongo implements thread.Store against MongoDB: the durable
// per-thread log of completed runs described by §4.1 and the persisted
// layout in §6.5.
package mongo
