// Package storage is the persistence layer for recipients and their notes.
//
// It keeps:
//   - users: hashed identity, encrypted chat id, per-window delivery flags
//   - notes: per-user numbered texts, encrypted at rest
//   - last_notes: a bounded list of recently delivered note numbers per user
//
// "Not found" is reported as false/nil; only genuine database failures
// return an *Error.
package storage
