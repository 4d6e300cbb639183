package psi

import "errors"

var (
	// ErrInvalidArgument is a malformed input shape: nil, empty, or the
	// wrong number of words. It is a caller bug and never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrParametersMismatch means the client and the server disagree on
	// the Parameters fingerprint. The client must refetch the
	// parameters and query again.
	ErrParametersMismatch = errors.New("parameters mismatch")
	// ErrTableOverflow means the database cannot hold the items under
	// the configured table dimensions.
	ErrTableOverflow = errors.New("table overflow")
	// ErrCorruptData is a malformed serialized blob.
	ErrCorruptData = errors.New("corrupt data")
	// ErrProtocol is a peer message whose size or shape disagrees with
	// its own header.
	ErrProtocol = errors.New("protocol error")
	// ErrEncoding means items cannot be encoded into field elements
	// under the given parameters.
	ErrEncoding = errors.New("encoding error")
)
