// Package api defines interfaces between the memory allocator and
// the components layered on either side of it, applications consume
// the Mallocer interface while the OS facing page allocator plugs in
// through Pageallocer.
package api
