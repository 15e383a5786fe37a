// Package readtrack persists per-(agent,room) read cursors used to
// materialize unread context when an agent is mentioned.
package readtrack
