//go:build !linux

package vimutex

// FutexKernel falls back to GoKernel where no futex is available.
type FutexKernel = GoKernel

// NewFutexKernel returns a GoKernel on this platform.
func NewFutexKernel(caps int) *FutexKernel {
	return NewGoKernel(caps)
}
