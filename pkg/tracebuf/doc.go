// Package tracebuf is a per-CPU ring buffer for trace events.
//
// Each CPU owns a ring of fixed-size pages plus one detached reader page.
// Producers reserve space with a single atomic add on the tail page's write
// cursor and only take a lock when a reservation runs off the end of a page.
// Writers on one CPU never run in parallel but may nest, the way an
// interrupt handler preempts the code it interrupts; the commit protocol
// publishes nested records in write order no matter which commits first.
//
// Readers never block producers. A reader swaps its used-up page with the
// oldest page in the ring and then reads it without further coordination,
// which also allows whole pages to be handed out without copying
// (ExtractPage).
//
// Records carry a 27 bit time delta from the previous record; larger gaps
// are bridged with a time extend record. Pages keep the binary layout of
// the kernel's ring buffer pages:
//
//	page:   u64 base timestamp | u64 committed bytes | records...
//	record: u32 header (type:2 len:3 delta:27) [u32 length] payload
package tracebuf
