package cli

import "errors"

// ErrUsage marks operator mistakes: bad flags, a malformed specforge
// config file, or spec documents that cannot be parsed. main matches it
// with errors.Is to exit with the usage status code instead of the
// generic failure one.
var ErrUsage = errors.New("cli usage error")

// usageError wraps a message so it matches ErrUsage under errors.Is while
// keeping the operator-facing text intact.
type usageError struct {
	msg string
}

func newUsageError(msg string) error {
	return usageError{msg: msg}
}

func (e usageError) Error() string {
	return e.msg
}

func (e usageError) Is(target error) bool {
	return target == ErrUsage
}
