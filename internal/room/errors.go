package room

import "errors"

var (
	// ErrPermissionDenied is returned when a caller may not join a private
	// or collaborative room. Distinct from ErrInvalidRoomID so callers never
	// have to string-match.
	ErrPermissionDenied = errors.New("not permitted to join this room")

	// ErrInvalidRoomID is returned when a raw room id cannot be parsed into
	// a known room type.
	ErrInvalidRoomID = errors.New("invalid room id")
)
