// Package conversation owns the durable record of support conversations and their messages.
//
// It defines the domain model (Conversation, Message, Attachment, ContextSnapshot),
// the Store contract with its memory, SQLite and PostgreSQL implementations, and the
// Service that validates input, authorizes actors and drives the lifecycle state machine:
//
//	waiting -> active -> closed
//	waiting -> closed
//
// Stores serialize writes per conversation and allocate a monotonic per-conversation
// sequence number (Seq) for every message. Seq is the total order every session observes.
package conversation
