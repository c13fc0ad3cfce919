// Package abi decides how parameters and return values cross a call
// boundary for a target.
//
// Functions using the internal calling convention pass scalars directly and
// aggregates by reference, returning aggregates through a hidden pointer.
// Functions using the C calling convention follow the platform ABI:
// x86-64 System V in full, Windows x64 and i386 cdecl for aggregates.
// Other (architecture, aggregate) pairs are reported as unsupported.
//
// Classification is a pure function of (type, calling convention, target):
// results are memoized and identical requests yield identical layouts.
package abi
