// Package lifecycle tracks references to a resource so that it can be
// released only after every user is done with it.
package lifecycle

import (
	"errors"
	"sync"
)

// ErrResourceClosed is returned by Acquire once Close has begun.
var ErrResourceClosed = errors.New("resource closed")

// Resource keeps track of references. It keeps track of if it is open or
// not and allows blocking until all references are released.
type Resource struct {
	mu sync.Mutex
	ch chan struct{}  // closed when the resource starts closing
	wg sync.WaitGroup // counts outstanding references
}

// Open marks the resource as open.
func (res *Resource) Open() {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.ch = make(chan struct{})
}

// Opened returns true if the resource is currently open.
func (res *Resource) Opened() bool {
	res.mu.Lock()
	defer res.mu.Unlock()
	return res.ch != nil
}

// Acquire returns a Reference used to keep alive some resource.
func (res *Resource) Acquire() (*Reference, error) {
	res.mu.Lock()
	defer res.mu.Unlock()

	if res.ch == nil {
		return nil, ErrResourceClosed
	}
	res.wg.Add(1)
	return &Reference{wg: &res.wg, ch: res.ch}, nil
}

// Close stops future Acquires and waits for any acquired references.
func (res *Resource) Close() {
	res.mu.Lock()
	if res.ch != nil {
		close(res.ch)
		res.ch = nil
	}
	res.mu.Unlock()

	res.wg.Wait()
}

// Reference is an open reference for some resource.
type Reference struct {
	once sync.Once
	wg   *sync.WaitGroup
	ch   <-chan struct{}
}

// Closing returns a channel that will be closed when the associated resource begins closing.
func (ref *Reference) Closing() <-chan struct{} { return ref.ch }

// Release causes the Reference to be freed. It is safe to call multiple times.
func (ref *Reference) Release() {
	ref.once.Do(ref.wg.Done)
}
