package errors

import "errors"

// Caller errors.
var (
	ErrInvalidInput = errors.New("invalid request input")
)

// Upstream transport errors.
var (
	ErrUpstreamRequest  = errors.New("upstream request failed")
	ErrUpstreamResponse = errors.New("unexpected upstream response")
)
