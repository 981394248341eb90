package task

import "os"

var pageSize = Address(os.Getpagesize())

// Address is a location in a traced process. It is never dereferenced
// directly; all access goes through the memory operations on Task.
type Address uint64

// IsNull reports whether the address is zero.
func (a Address) IsNull() bool { return a == 0 }

// RoundDownToPage rounds the address down to a page boundary.
func (a Address) RoundDownToPage() Address { return a &^ (pageSize - 1) }

// RoundUpToPage rounds the address up to a page boundary.
func (a Address) RoundUpToPage() Address { return (a + pageSize - 1) &^ (pageSize - 1) }

// Add returns the address offset by n bytes.
func (a Address) Add(n int) Address { return a + Address(n) }

// MemRange is a half-open range [Addr, Addr+Length) of task memory.
type MemRange struct {
	Addr   Address
	Length int
}

// End returns the first address past the range.
func (r MemRange) End() Address { return r.Addr.Add(r.Length) }

// Contains reports whether addr falls inside the range.
func (r MemRange) Contains(addr Address) bool {
	return r.Addr <= addr && addr < r.End()
}

// Intersects reports whether the two ranges overlap.
func (r MemRange) Intersects(other MemRange) bool {
	return r.Addr < other.End() && other.Addr < r.End()
}
