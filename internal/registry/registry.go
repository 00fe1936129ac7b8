// Package registry maps login names to live connections.
//
// A name belongs to at most one connection at a time. Registration is
// first-come: a second claim on a held name fails until the holder
// unregisters.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

var ErrNameTaken = errors.New("registry: name taken")

type entry[C Conn] struct {
	conn C
	seq  uint64
}

type Registry[C Conn] struct {
	mu      sync.RWMutex
	entries map[string]entry[C]
	nextSeq uint64
}

func New[C Conn]() *Registry[C] {
	return &Registry[C]{entries: make(map[string]entry[C])}
}

// Register claims name for conn. On success it returns the names that were
// registered immediately before the claim, in registration order.
func (r *Registry[C]) Register(name string, conn C) ([]string, error) {
	var existing []string
	err := r.Update(func(tx *Tx[C]) error {
		var err error
		existing, err = tx.Register(name, conn)
		return err
	})
	return existing, err
}

func (r *Registry[C]) Lookup(name string) (C, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e.conn, ok
}

// Unregister removes name if it is held by conn. It reports whether an entry
// was removed; calling it again is a no-op.
func (r *Registry[C]) Unregister(name string, conn C) bool {
	var removed bool
	_ = r.Update(func(tx *Tx[C]) error {
		removed = tx.Unregister(name, conn)
		return nil
	})
	return removed
}

// Update runs fn with exclusive access to the registry. Every send made
// through tx is queued before any other update can observe the new state, so
// recipients see membership changes in the order they were applied. fn must
// only call Send implementations that do not block.
func (r *Registry[C]) Update(fn func(tx *Tx[C]) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(&Tx[C]{r: r})
}

// Tx is a view of a locked registry. It is only valid inside Update.
type Tx[C Conn] struct {
	r *Registry[C]
}

func (tx *Tx[C]) Register(name string, conn C) ([]string, error) {
	r := tx.r
	if _, ok := r.entries[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	existing := r.orderedLocked("")
	r.nextSeq++
	r.entries[name] = entry[C]{conn: conn, seq: r.nextSeq}
	return existing, nil
}

func (tx *Tx[C]) Unregister(name string, conn C) bool {
	e, ok := tx.r.entries[name]
	if !ok || e.conn.ID() != conn.ID() {
		return false
	}
	delete(tx.r.entries, name)
	return true
}

func (tx *Tx[C]) Lookup(name string) (C, bool) {
	e, ok := tx.r.entries[name]
	return e.conn, ok
}

func (tx *Tx[C]) BroadcastExcept(except string, payload []byte) error {
	return tx.r.broadcastLocked(except, payload)
}

// Snapshot lists registered names in registration order, leaving out except.
func (r *Registry[C]) Snapshot(except string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.orderedLocked(except)
}

func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SendError records a failed delivery to one recipient.
type SendError struct {
	Name string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("registry: send to %q: %v", e.Name, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// BroadcastExcept sends payload to every registered connection except the
// one named except, in registration order. A failing recipient does not stop
// delivery to the rest; the failures are joined into the returned error.
func (r *Registry[C]) BroadcastExcept(except string, payload []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.broadcastLocked(except, payload)
}

func (r *Registry[C]) broadcastLocked(except string, payload []byte) error {
	var errs []error
	for _, name := range r.orderedLocked(except) {
		if err := r.entries[name].conn.Send(payload); err != nil {
			errs = append(errs, &SendError{Name: name, Err: err})
		}
	}
	return errors.Join(errs...)
}

func (r *Registry[C]) orderedLocked(except string) []string {
	keys := lo.Filter(lo.Keys(r.entries), func(name string, _ int) bool {
		return name != except
	})
	sort.Slice(keys, func(i, j int) bool {
		return r.entries[keys[i]].seq < r.entries[keys[j]].seq
	})
	return keys
}
