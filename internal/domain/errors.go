package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUpstream     = errors.New("upstream request failed")
	ErrRateLimited  = errors.New("rate limited")
	ErrJobNotFound  = errors.New("job not found")
	ErrWSDisconnect = errors.New("websocket disconnected")
)
