package session

import "errors"

var (
	ErrAttach        = errors.New("attach target")
	ErrDetach        = errors.New("detach target")
	ErrDebugDisabled = errors.New("debug disabled")
)
