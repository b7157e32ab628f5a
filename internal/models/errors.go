package models

import "errors"

// Error taxonomy surfaced by the dispatch core. Callers classify with
// errors.Is; details travel in the wrapping message.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrBadRequest = errors.New("bad request")
	ErrInternal   = errors.New("internal error")
)
