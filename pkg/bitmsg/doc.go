// Package bitmsg implements the bit-granular message codec used on the wire.
//
// Bits are packed LSB-first within each byte. Fixed-width primitives
// (integers, floats, strings, raw bytes) first advance to the next byte
// boundary and are stored little-endian. Bools, ranged integers and ranged
// floats are packed at the current bit offset with no padding.
//
// Writers have a fixed capacity and report ErrOverflow instead of growing.
// Readers report ErrShortRead instead of panicking. Both errors are sticky.
package bitmsg
