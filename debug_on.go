//go:build !vimutex_nodebug

package vimutex

// debug enables protocol assertions in Mutex and Thread.
const debug = true
