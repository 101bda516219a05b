package workflow

import "errors"

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrInvalidState      = errors.New("invalid state")
	ErrTerminalState     = errors.New("state is terminal")
)
