package pool

import "errors"

// Admission errors. Returned synchronously from Add; callers map them to a
// client-facing reason so "try later" is distinguishable from "not allowed".
var (
	ErrGlobalLimit = errors.New("global connection limit reached")
	ErrUserLimit   = errors.New("user connection limit reached")
	ErrOrgLimit    = errors.New("organization connection limit reached")

	ErrPoolClosed = errors.New("connection pool is shut down")
)
