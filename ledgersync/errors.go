package ledgersync

import "errors"

// ErrInvalidInput is returned when an operator request fails validation.
var ErrInvalidInput = errors.New("ledgersync: invalid input")

// ErrUnauthenticated is returned by operations that need a named operator.
var ErrUnauthenticated = errors.New("ledgersync: operator identity required")
