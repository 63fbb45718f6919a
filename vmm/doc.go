// Package vmm reserves and releases anonymous memory from the
// operating system in large aligned spans, for use as the backing
// store of memory allocators.
//
// Spans are multiples of a fixed granularity, 64KB by default, and
// always aligned to it. Released spans are parked in a bounded cache
// and handed back on the next reservation of the same size, Trim()
// unmaps whatever is parked. Cached spans keep their old content,
// callers that need zeroed memory must clear it themselves.
package vmm
