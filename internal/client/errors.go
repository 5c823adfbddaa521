package client

import "errors"

var (
	// ErrClosed is returned for calls made after Close.
	ErrClosed = errors.New("client: closed")

	// ErrNoHandle is returned when a submission reply carries neither an
	// error nor a handle.
	ErrNoHandle = errors.New("client: submission reply without handle")
)
