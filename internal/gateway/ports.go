package gateway

import (
	"errors"
	"fmt"
	"sync"
)

var ErrPortExhausted = errors.New("remote port pool exhausted")

// PortAllocator hands out forwarding ports from a fixed range. Allocation is
// monotonically increasing until the range is exhausted, after which freed
// ports are reused. A port is never held by two live tunnels at once.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	freed []int
	inUse map[int]struct{}
}

func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]struct{}),
	}
}

func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next <= a.max {
		port := a.next
		a.next++
		a.inUse[port] = struct{}{}
		return port, nil
	}

	for len(a.freed) > 0 {
		port := a.freed[0]
		a.freed = a.freed[1:]
		if _, busy := a.inUse[port]; busy {
			continue
		}
		a.inUse[port] = struct{}{}
		return port, nil
	}

	return 0, ErrPortExhausted
}

// Claim reserves a specific port, for agents configured with a fixed
// REMOTE_PORT.
func (a *PortAllocator) Claim(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return fmt.Errorf("port %d outside range %d-%d", port, a.min, a.max)
	}
	if _, busy := a.inUse[port]; busy {
		return fmt.Errorf("port %d already in use", port)
	}
	a.inUse[port] = struct{}{}
	return nil
}

func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, busy := a.inUse[port]; !busy {
		return
	}
	delete(a.inUse, port)
	a.freed = append(a.freed, port)
}

func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
