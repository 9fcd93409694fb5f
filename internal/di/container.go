// Package di provides a small name-keyed dependency container: components
// are registered as lazy builders and constructed once, on first use.
package di

import (
	"fmt"
	"sync"
)

// BuildFunc constructs one component, pulling its dependencies from the
// container.
type BuildFunc func(c *Container) (interface{}, error)

// CloseFunc releases a component during shutdown.
type CloseFunc func() error

// Container holds lazily-built singletons.
type Container struct {
	mu        sync.Mutex
	builders  map[string]BuildFunc
	instances map[string]interface{}
	building  map[string]bool
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close CloseFunc
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		builders:  make(map[string]BuildFunc),
		instances: make(map[string]interface{}),
		building:  make(map[string]bool),
	}
}

// Register adds a builder under name. Registering the same name twice is a
// programming error.
func (c *Container) Register(name string, build BuildFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.builders[name]; exists {
		panic(fmt.Sprintf("di: component %q registered twice", name))
	}
	c.builders[name] = build
}

// OnClose records a shutdown hook for a built component. Hooks run in
// reverse registration order.
func (c *Container) OnClose(name string, close CloseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, namedCloser{name: name, close: close})
}

// Get returns the named component, building it and its dependencies on
// first use. Dependency cycles are detected rather than deadlocking.
func (c *Container) Get(name string) (interface{}, error) {
	c.mu.Lock()
	if instance, ok := c.instances[name]; ok {
		c.mu.Unlock()
		return instance, nil
	}
	build, ok := c.builders[name]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("di: unknown component %q", name)
	}
	if c.building[name] {
		c.mu.Unlock()
		return nil, fmt.Errorf("di: dependency cycle through %q", name)
	}
	c.building[name] = true
	c.mu.Unlock()

	instance, err := build(c)

	c.mu.Lock()
	delete(c.building, name)
	if err == nil {
		c.instances[name] = instance
	}
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("di: failed to build %q: %w", name, err)
	}
	return instance, nil
}

// Close runs the shutdown hooks in reverse order, collecting the first
// error.
func (c *Container) Close() error {
	c.mu.Lock()
	closers := make([]namedCloser, len(c.closers))
	copy(closers, c.closers)
	c.closers = nil
	c.mu.Unlock()

	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("di: closing %q: %w", closers[i].name, err)
		}
	}
	return firstErr
}
