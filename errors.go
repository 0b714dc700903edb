package layer

import "fmt"

// NodeError is the value recorded when a layer's OnInit/OnWrite/OnRead
// fails. It names which node failed, carries a small negative
// layer-defined code (or a positive errno-derived code from the
// operating system), and wraps the underlying cause for errors.As/Is.
//
// The original C++ design stores this in thread-local storage so every
// layer can write a single cell without a back-pointer to the caller's
// error slot; see ErrorSlot for how this port reproduces that without
// real thread-local storage.
type NodeError struct {
	Node string
	Code int
	err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Node, e.err)
}

func (e *NodeError) Unwrap() error {
	return e.err
}

// ErrorSlot is the mutable reference threaded through a Chain in place of
// the original's thread-local last-error cell (spec Open Question (a)).
// Every Node in one Chain shares the same ErrorSlot, set once when the
// Chain is built; each independently-built Chain gets its own slot, so
// concurrent chains never observe each other's errors, matching the
// "thread observes only its own chain" guarantee without needing a real
// per-goroutine TLS handle.
type ErrorSlot struct {
	last *NodeError
}

// Last returns the most recently recorded error, or nil if the chain has
// not failed since it was built or since the last successful Init. A
// successful Read or Write does not clear it.
func (s *ErrorSlot) Last() *NodeError {
	return s.last
}

func (s *ErrorSlot) set(node string, code int, err error) *NodeError {
	ne := &NodeError{Node: node, Code: code, err: err}
	s.last = ne
	return ne
}

func (s *ErrorSlot) clear() {
	s.last = nil
}
