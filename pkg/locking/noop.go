package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. It suits callers that
// already serialize access themselves.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) Do(key string, fn func() error) error {
	return fn()
}
