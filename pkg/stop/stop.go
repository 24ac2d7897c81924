// Package stop provides the shutdown-coordination primitives shared by Swarm
// and the storage backends: a Stopper interface and a Group that fans a single Stop() out
// to many stoppables and joins their results.
package stop

import "errors"

// Channel is handed to a goroutine performing a shutdown; it reports the
// outcome exactly once via Done and is then converted to a Result for the
// caller to wait on.
type Channel chan error

// Done reports err as the outcome of the shutdown and closes the channel.
func (c Channel) Done(err error) {
	c <- err
	close(c)
}

// Result converts a Channel to the read-only view returned to callers.
func (c Channel) Result() Result {
	return Result((chan error)(c))
}

// Result is the outcome of a Stop call: read it (it is closed after the
// single value, if any, is sent) to block until shutdown completes.
type Result <-chan error

// Wait blocks until the stop completes and returns its error, if any.
func (r Result) Wait() error {
	return <-r
}

// Stopper is implemented by anything with resources to release on shutdown:
// goroutines to join, sockets to close, timers to stop.
type Stopper interface {
	Stop() Result
}

// Group stops a collection of Stoppers concurrently and joins their errors.
type Group struct {
	stoppers []Stopper
}

// NewGroup returns an empty Group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a Stopper to be stopped by a future call to Stop.
func (g *Group) Add(s Stopper) {
	g.stoppers = append(g.stoppers, s)
}

// Stop concurrently stops every registered Stopper and returns a Result
// that resolves once they have all finished, joining any errors.
func (g *Group) Stop() Result {
	c := make(Channel)
	stoppers := g.stoppers
	go func() {
		results := make([]Result, len(stoppers))
		for i, s := range stoppers {
			results[i] = s.Stop()
		}
		var errs []error
		for _, r := range results {
			if err := r.Wait(); err != nil {
				errs = append(errs, err)
			}
		}
		c.Done(errors.Join(errs...))
	}()
	return c.Result()
}
