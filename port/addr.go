package port

import "unsafe"

// ptrLess gives any two *Port a total order by address, used only to
// pick a consistent lock-acquisition order for LockDual.
func ptrLess(a, b *Port) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}
