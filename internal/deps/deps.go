// Package deps extracts and folds the dependency lists of programs.
package deps

import (
	"errors"
	"fmt"

	"github.com/pmd/pmd/internal/kernel"
	"github.com/pmd/pmd/internal/program"
)

// Max is the largest number of dependencies a program may declare, and also
// the bound on a flattened dependency closure.
const Max = 48

// ErrTooManyDependencies is the panic value raised when a dependency set
// grows past Max. Legitimate program sets never reach it.
var ErrTooManyDependencies = errors.New("deps: dependency set exceeds 48 entries")

// List is an ordered list of normalized title ids.
type List []uint64

// Extract reads the dependency list of a program. It stops at the first zero
// entry, drops high-end-only entries on the base variant and strips the
// variant bits and the variant byte of every id it keeps.
func Extract(md *program.Metadata, variant kernel.Variant) List {
	if md == nil {
		return nil
	}
	var out List
	for i, id := range md.Dependencies {
		if i >= Max || id == 0 {
			break
		}
		if variant != kernel.VariantHighEnd && id&program.HighEndBits != 0 {
			continue
		}
		out = append(out, program.Normalize(id&^program.HighEndBits))
	}
	return out
}

// Contains reports whether l holds the normalized form of id.
func (l List) Contains(id uint64) bool {
	id = program.Normalize(id)
	for _, v := range l {
		if program.Normalize(v) == id {
			return true
		}
	}
	return false
}

// Unique drops repeated entries, keeping first-seen order.
func (l List) Unique() List {
	out := make(List, 0, len(l))
	for _, v := range l {
		if !out.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// MergeUnique folds lists into their first-seen-order union and returns the
// number of occurrences of every entry. It panics with
// ErrTooManyDependencies when the union exceeds Max.
func MergeUnique(lists ...List) (List, []int) {
	var s Set
	for _, l := range lists {
		for _, id := range l {
			s.Add(id)
		}
	}
	out := make(List, s.Len())
	counts := make([]int, s.Len())
	for i := range s.entries {
		out[i] = s.entries[i].ID
		counts[i] = s.entries[i].Count
	}
	return out, counts
}

// Entry is one element of a Set.
type Entry struct {
	ID    uint64
	Count int
	// Resolved is set once the entry has been matched to, or has produced,
	// a running process.
	Resolved bool
	// Data is owner-defined state attached to the entry.
	Data any
}

// Set is the incremental form of MergeUnique used while walking a
// dependency closure wave by wave. The zero value is empty and ready.
type Set struct {
	entries []Entry
}

// Add records one occurrence of id. It reports whether id was new.
func (s *Set) Add(id uint64) bool {
	id = program.Normalize(id)
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].Count++
			return false
		}
	}
	if len(s.entries) >= Max {
		panic(fmt.Errorf("%w: adding %016x", ErrTooManyDependencies, id))
	}
	s.entries = append(s.entries, Entry{ID: id, Count: 1})
	return true
}

// AddList adds every id of l and returns how many were new.
func (s *Set) AddList(l List) int {
	n := 0
	for _, id := range l {
		if s.Add(id) {
			n++
		}
	}
	return n
}

func (s *Set) Len() int { return len(s.entries) }

// At returns a pointer to the i-th entry. It stays valid until the next Add.
func (s *Set) At(i int) *Entry { return &s.entries[i] }

// Count returns the occurrence count of id, or 0.
func (s *Set) Count(id uint64) int {
	id = program.Normalize(id)
	for _, e := range s.entries {
		if e.ID == id {
			return e.Count
		}
	}
	return 0
}

// IDs returns the entries' ids in insertion order.
func (s *Set) IDs() List {
	out := make(List, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.ID
	}
	return out
}
