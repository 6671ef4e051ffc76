// Package registry is the fixed-capacity table of process records.
//
// Records live in an arena of slots. A Ref names a slot together with the
// generation it was allocated in, so a Ref held across a Free resolves to
// nothing instead of to the slot's next occupant. Live slots are chained in
// allocation order; free slots are kept on a stack. All access goes through
// Update or View, which hold the registry lock for the duration of the
// callback and hand it a *Tx. Callees that must touch the registry while the
// lock is held take the *Tx as a parameter rather than locking again.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

// ErrExhausted is returned by Allocate when every slot is in use.
var ErrExhausted = errors.New("registry: no free process slot")

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 64

const none = -1

// Ref is a generation-checked reference to a record. The zero Ref is never
// valid.
type Ref struct {
	index int32
	gen   uint32
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool { return r.gen == 0 }

func (r Ref) String() string {
	if r.IsZero() {
		return "ref(nil)"
	}
	return fmt.Sprintf("ref(%d#%d)", r.index, r.gen)
}

type slot struct {
	rec        Record
	gen        uint32
	live       bool
	prev, next int32
}

// Registry holds process records.
type Registry struct {
	mu     sync.RWMutex
	slots  []slot
	free   []int32
	head   int32
	tail   int32
	count  int
	logger *slog.Logger
}

// New returns an empty registry with room for capacity records.
func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Registry{
		slots:  make([]slot, capacity),
		free:   make([]int32, capacity),
		head:   none,
		tail:   none,
		logger: slog.Default(),
	}
	// Pop order is ascending slot index.
	for i := range r.free {
		r.free[i] = int32(capacity - 1 - i)
	}
	return r
}

// SetLogger replaces the logger used for slot churn messages.
func (r *Registry) SetLogger(l *slog.Logger) {
	if l != nil {
		r.logger = l
	}
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int { return len(r.slots) }

// Update runs fn with exclusive access to the registry.
func (r *Registry) Update(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &Tx{r: r, writable: true}
	defer tx.close()
	fn(tx)
}

// View runs fn with shared read access. Mutating through the Tx panics;
// mutating a *Record returned by it is a data race.
func (r *Registry) View(fn func(tx *Tx)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx := &Tx{r: r}
	defer tx.close()
	fn(tx)
}

// Len returns the number of allocated records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Snapshot returns copies of every record in allocation order.
func (r *Registry) Snapshot() []Record {
	var out []Record
	r.View(func(tx *Tx) {
		out = make([]Record, 0, r.count)
		tx.Each(func(_ Ref, rec *Record) bool {
			out = append(out, *rec)
			return true
		})
	})
	return out
}

// Tx is a registry transaction. It is only valid inside the Update or View
// callback it was passed to.
type Tx struct {
	r        *Registry
	writable bool
}

func (tx *Tx) close() { tx.r = nil }

func (tx *Tx) reg() *Registry {
	if tx.r == nil {
		panic("registry: transaction used after its callback returned")
	}
	return tx.r
}

func (tx *Tx) mustWrite(op string) *Registry {
	r := tx.reg()
	if !tx.writable {
		panic("registry: " + op + " in a read-only transaction")
	}
	return r
}

// Allocate takes a free slot, zeroes it and appends it to the live chain.
func (tx *Tx) Allocate() (Ref, *Record, error) {
	r := tx.mustWrite("Allocate")
	if len(r.free) == 0 {
		return Ref{}, nil, ErrExhausted
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.rec = Record{}
	s.live = true
	s.prev, s.next = r.tail, none
	if r.tail != none {
		r.slots[r.tail].next = idx
	} else {
		r.head = idx
	}
	r.tail = idx
	r.count++
	return Ref{index: idx, gen: s.gen}, &s.rec, nil
}

// Free unlinks the record and returns its slot to the free stack. Freeing a
// stale ref is a no-op.
func (tx *Tx) Free(ref Ref) {
	r := tx.mustWrite("Free")
	s := r.lookup(ref)
	if s == nil {
		return
	}
	if s.prev != none {
		r.slots[s.prev].next = s.next
	} else {
		r.head = s.next
	}
	if s.next != none {
		r.slots[s.next].prev = s.prev
	} else {
		r.tail = s.prev
	}
	s.live = false
	s.prev, s.next = none, none
	r.free = append(r.free, ref.index)
	r.count--
	r.logger.Debug("registry: slot freed", "slot", ref.index, "pid", s.rec.PID)
}

func (r *Registry) lookup(ref Ref) *slot {
	if ref.gen == 0 || ref.index < 0 || int(ref.index) >= len(r.slots) {
		return nil
	}
	s := &r.slots[ref.index]
	if !s.live || s.gen != ref.gen {
		return nil
	}
	return s
}

// Get resolves ref, or returns nil if its slot was freed.
func (tx *Tx) Get(ref Ref) *Record {
	if s := tx.reg().lookup(ref); s != nil {
		return &s.rec
	}
	return nil
}

// Each visits live records in allocation order until fn returns false. fn may
// free the record it is visiting.
func (tx *Tx) Each(fn func(ref Ref, rec *Record) bool) {
	r := tx.reg()
	for i := r.head; i != none; {
		s := &r.slots[i]
		next := s.next
		if !fn(Ref{index: i, gen: s.gen}, &s.rec) {
			return
		}
		i = next
	}
}

func (tx *Tx) find(match func(*Record) bool) (Ref, *Record) {
	var (
		found Ref
		rec   *Record
	)
	tx.Each(func(ref Ref, r *Record) bool {
		if match(r) {
			found, rec = ref, r
			return false
		}
		return true
	})
	return found, rec
}

// FindByPID returns the record of pid.
func (tx *Tx) FindByPID(pid kernel.PID) (Ref, *Record) {
	return tx.find(func(r *Record) bool { return r.PID == pid })
}

// FindByHandle returns the record owning the kernel process handle h.
func (tx *Tx) FindByHandle(h kernel.Handle) (Ref, *Record) {
	return tx.find(func(r *Record) bool { return r.Handle == h })
}

// FindByTitle returns the first record whose title matches titleID, ignoring
// the variant byte. Terminated records kept for unregistration are included.
func (tx *Tx) FindByTitle(titleID uint64) (Ref, *Record) {
	return tx.find(func(r *Record) bool { return program.SameTitle(r.TitleID, titleID) })
}

// FindLiveByTitle is FindByTitle restricted to records the kernel has not
// reported dead.
func (tx *Tx) FindLiveByTitle(titleID uint64) (Ref, *Record) {
	return tx.find(func(r *Record) bool {
		return r.Live() && program.SameTitle(r.TitleID, titleID)
	})
}

// Len returns the number of allocated records.
func (tx *Tx) Len() int { return tx.reg().count }
