// Package tag implements the pointer-tagging primitive used to turn a
// call-context address into a completion-queue tag.
//
// Because a call context is always heap-allocated and has an alignment of
// at least four bytes, its address's two least-significant bits are always
// zero. Those bits are free to carry a small, FSM-local flag field: arm an
// asynchronous operation with a tag that has the flag bits set, and when the
// operation completes the flag field travels back with it, identifying
// which kind of completion this is without needing a second allocation.
package tag

import "unsafe"

// Flags is a two-bit, FSM-local flag field packed into a Tag.
type Flags uint8

// Mask is the set of bits of a Tag that may hold Flags. It is also the
// minimum required alignment, in bytes, of any tagged call context.
const Mask = 0b11

// Tag is an opaque, machine-word-sized value suitable for use as a
// completion-queue key. Its upper bits hold a masked call-context address;
// its low Mask bits hold Flags.
type Tag uintptr

// Tagify packs ptr and flags into a Tag. It panics if flags does not fit in
// Mask, or if ptr is not aligned to at least Mask+1 bytes — both are
// programming errors, never a property of live data.
func Tagify(ptr unsafe.Pointer, flags Flags) Tag {
	if uintptr(flags)&^uintptr(Mask) != 0 {
		panic("tag: flags do not fit in the low bits of a Tag")
	}
	addr := uintptr(ptr)
	if addr&uintptr(Mask) != 0 {
		panic("tag: call-context address is insufficiently aligned for tagging")
	}
	return Tag(addr | uintptr(flags))
}

// Untag splits a Tag back into its call-context address and Flags. The
// returned pointer must never be dereferenced directly: dispatchers resolve
// it through a registry keyed on the same address (see package queue),
// because Go's garbage collector does not treat a bare uintptr as a
// reachability root.
func Untag(t Tag) (addr unsafe.Pointer, flags Flags) {
	flags = Flags(uintptr(t) & uintptr(Mask))
	addr = unsafe.Pointer(uintptr(t) &^ uintptr(Mask))
	return addr, flags
}

// CheckAlignment panics if ptr is not aligned sufficiently to carry Mask's
// worth of flag bits. queue.CompletionQueue.Register calls it on every
// registration, as a runtime substitute for a static assertion.
func CheckAlignment(ptr unsafe.Pointer) {
	if uintptr(ptr)&uintptr(Mask) != 0 {
		panic("tag: call-context type does not meet the minimum alignment for pointer tagging")
	}
}
