package wallet

import "context"

// PathIterator is the reference AccountIterator: it walks successive
// indexes on one chain until the callback halts or the context ends. The
// scan loop's gap limit is the real terminator; MaxSteps is a hard upper
// bound against a callback that never halts.
type PathIterator struct {
	MaxSteps int
}

const defaultMaxSteps = 1 << 20

var _ AccountIterator = (*PathIterator)(nil)

func (it *PathIterator) EachAccount(ctx context.Context, role Role, start Path, fn func(path Path, halt func()) error) error {
	steps := it.MaxSteps
	if steps <= 0 {
		steps = defaultMaxSteps
	}

	halted := false
	halt := func() { halted = true }

	path := start
	path.Role = role
	for range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(path, halt); err != nil {
			return err
		}
		if halted {
			return nil
		}
		path = path.Next()
	}
	return nil
}
