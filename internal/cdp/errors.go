package cdp

import "errors"

var (
	ErrNoTarget    = errors.New("no such target")
	ErrNotAttached = errors.New("target not attached")
	ErrDial        = errors.New("dial devtools")
)
