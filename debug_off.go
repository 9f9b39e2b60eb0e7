//go:build vimutex_nodebug

package vimutex

const debug = false
