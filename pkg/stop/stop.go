// Package stop provides a small contract for components with a background
// goroutine that must be asked to shut down and waited on exactly once.
package stop

// Channel is a signaling channel used to report the outcome of a Stop call.
type Channel chan error

// Done reports err (which may be nil) on the channel and closes it.
func (c Channel) Done(err error) {
	c <- err
	close(c)
}

// Result is the value returned by Stop: a channel that will receive at most
// one error before closing.
type Result <-chan error

// Wait blocks until the result is available and returns it.
func (r Result) Wait() error {
	return <-r
}

// AlreadyStopped returns a Result that is immediately satisfied with nil,
// for Stoppers that have nothing to tear down.
func AlreadyStopped() Result {
	c := make(Channel, 1)
	c.Done(nil)
	return c.Result()
}

// Result turns a Channel into the read-only Result type handed back to
// callers of Stop.
func (c Channel) Result() Result { return (chan error)(c) }

// Stopper is implemented by anything with a background goroutine (or pool of
// goroutines) that must be cleanly shut down on process exit.
type Stopper interface {
	// Stop tells the Stopper to shut down and returns a Result that
	// resolves once shutdown has completed.
	Stop() Result
}

// Group aggregates multiple Stoppers so they can all be stopped together.
type Group struct {
	stoppers []Stopper
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a Stopper with the Group.
func (g *Group) Add(s Stopper) {
	g.stoppers = append(g.stoppers, s)
}

// Stop stops every registered Stopper concurrently and waits for all of them,
// returning the first non-nil error encountered (if any).
func (g *Group) Stop() Result {
	c := make(Channel)
	go func() {
		var firstErr error
		results := make([]Result, len(g.stoppers))
		for i, s := range g.stoppers {
			results[i] = s.Stop()
		}
		for _, r := range results {
			if err := r.Wait(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.Done(firstErr)
	}()
	return c.Result()
}
