// errors.go: the error taxonomy surfaced by the mixing engine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package confluence

import (
	goerrors "github.com/agilira/go-errors"
)

// The engine surfaces exactly five error kinds. Each is a sentinel
// wrapping a stable code, so callers can match with errors.Is while
// ErrorCallback still receives a human-readable message.
var (
	// ErrResourceExhausted is returned by AddClient when the client cap
	// has been reached or an allocation/registration step failed.
	// Already-connected clients are unaffected.
	ErrResourceExhausted = goerrors.New("CONFLUENCE_RESOURCE_EXHAUSTED", "client capacity reached or allocation failed")

	// ErrPeerGone marks a client endpoint whose pipe was closed by its
	// peer. The endpoint transitions to Finished and is reaped on the
	// worker's next pass.
	ErrPeerGone = goerrors.New("CONFLUENCE_PEER_GONE", "client pipe closed by peer")

	// ErrClientSlow marks a capture fan-out write that hit EAGAIN, or was
	// only partly accepted, on a running client's data pipe. The current write is discarded; the transport
	// is never blocked waiting for a slow client.
	ErrClientSlow = goerrors.New("CONFLUENCE_CLIENT_SLOW", "client data pipe would block, frame dropped")

	// ErrInvalidControl marks an unrecognized control token.
	ErrInvalidControl = goerrors.New("CONFLUENCE_INVALID_CONTROL", "unrecognized control command")

	// ErrFatal marks an unrecoverable failure of the multiplexer or the
	// worker goroutine itself. The coordinator transitions to Finished;
	// the transport then observes a zero return from Read and Write, the
	// same as for a coordinator that finished normally.
	ErrFatal = goerrors.New("CONFLUENCE_FATAL", "mixing worker failed")
)
