// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import "errors"

var (
	// ErrInvalidFilter indicates a subscription filter was empty or had misplaced wildcards.
	ErrInvalidFilter = errors.New("invalid topic filter")

	// ErrInvalidTopic indicates a publish topic was empty or contained wildcards.
	ErrInvalidTopic = errors.New("invalid topic name")

	// ErrUnknownPacketID indicates an acknowledgement referenced a packet id which is not in flight.
	ErrUnknownPacketID = errors.New("unknown packet identifier")

	// ErrWindowExhausted indicates the in-flight window of a session has no free slots.
	ErrWindowExhausted = errors.New("inflight window exhausted")

	// ErrRetryLimitExceeded indicates an in-flight message was resent more than the configured maximum.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrSessionTakenOver indicates a connection was closed because another connection took its session.
	ErrSessionTakenOver = errors.New("session taken over")

	// ErrSessionClosed indicates a session was destroyed or replaced by a newer session for its client id.
	ErrSessionClosed = errors.New("session no longer registered")

	// ErrConnectionClosed indicates a connection was closed and can no longer be written to.
	ErrConnectionClosed = errors.New("connection not open")

	// ErrPendingWritesExceeded indicates a connection outbound buffer was full.
	ErrPendingWritesExceeded = errors.New("too many pending writes")

	// ErrServerShuttingDown indicates the server is closing all connections.
	ErrServerShuttingDown = errors.New("server is shutting down")

	// ErrListenerIDExists indicates that a listener with the same id already exists.
	ErrListenerIDExists = errors.New("listener id already exists")

	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)
