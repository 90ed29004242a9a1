package candriver

import "errors"

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrTxOverflow      = errors.New("previous message is still waiting, buffer full")
)
