package chain

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound reports an unknown page or sequence number.
	ErrNotFound = errors.New("not found")

	// ErrOutOfOrderAppend reports an append whose sequence number is not
	// exactly one past the chain head.
	ErrOutOfOrderAppend = errors.New("out-of-order append")

	// ErrInvalidNode reports a node that violates the chain shape, such as a
	// delta at sequence zero.
	ErrInvalidNode = errors.New("invalid chain node")

	// ErrCorruptChain reports stored chain data that does not reconstruct to
	// what was captured.
	ErrCorruptChain = errors.New("corrupt chain")
)

// IsIntegrityError reports whether err came from damaged stored data.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrCorruptChain)
}
