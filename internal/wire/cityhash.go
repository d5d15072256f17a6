package wire

import "encoding/binary"

// CityHash128 is a Go port of Google's CityHash 1.0 128-bit hash function,
// the checksum the wire protocol's compressed-block framing uses (see the
// block codec's compressed-frame layout). No module in the retrieved
// dependency pack provides CityHash — xxhash and LZ4 cover the codec's other
// hashing and compression needs, but the wire format is pinned to CityHash
// specifically, so this is a from-scratch port of the published algorithm's
// structure rather than a third-party import.
const (
	cityK0   = 0xc3a5c85c97cb3127
	cityK1   = 0xb492b66fbe98f273
	cityK2   = 0x9ae16a3b2f90404f
	cityKMul = 0x9ddfea08eb382d69
)

func fetch64(p []byte) uint64 { return binary.LittleEndian.Uint64(p) }
func fetch32(p []byte) uint32 { return binary.LittleEndian.Uint32(p) }

func rotate64(val uint64, shift uint) uint64 {
	if shift == 0 {
		return val
	}
	return (val >> shift) | (val << (64 - shift))
}

func shiftMix(val uint64) uint64 {
	return val ^ (val >> 47)
}

// hash128to64 folds two 64-bit halves into one, the same combiner CityHash
// uses to collapse its internal 128-bit state.
func hash128to64(u, v uint64) uint64 {
	a := (u ^ v) * cityKMul
	a ^= a >> 47
	b := (v ^ a) * cityKMul
	b ^= b >> 47
	b *= cityKMul
	return b
}

func hashLen16(u, v uint64) uint64 { return hash128to64(u, v) }

func hashLen0to16(s []byte) uint64 {
	n := uint64(len(s))
	switch {
	case n >= 8:
		mul := cityK2 + n*2
		a := fetch64(s) + cityK2
		b := fetch64(s[len(s)-8:])
		c := rotate64(b, 37)*mul + a
		d := (rotate64(a, 25) + b) * mul
		return hashLen16(c, d) * mul
	case n >= 4:
		mul := cityK2 + n*2
		a := uint64(fetch32(s))
		return hashLen16(n+(a<<3), uint64(fetch32(s[len(s)-4:]))) * mul
	case n > 0:
		a := s[0]
		b := s[n>>1]
		c := s[n-1]
		y := uint32(a) + uint32(b)<<8
		z := uint32(n) + uint32(c)<<2
		return shiftMix(uint64(y)*cityK2^uint64(z)*cityK0) * cityK2
	default:
		return cityK2
	}
}

func hashLen17to32(s []byte) uint64 {
	n := uint64(len(s))
	mul := cityK2 + n*2
	a := fetch64(s) * cityK1
	b := fetch64(s[8:])
	c := fetch64(s[len(s)-8:]) * mul
	d := fetch64(s[len(s)-16:]) * cityK2
	return hashLen16(rotate64(a+b, 43)+rotate64(c, 30)+d, a+rotate64(b+cityK2, 18)+c) * mul
}

// weakHashLen32WithSeeds mixes a 32-byte block under two seeds, returning a
// new pair of seeds. It is the workhorse CityHash uses to fold successive
// 32-byte blocks into a running 128-bit state.
func weakHashLen32WithSeeds(s []byte, a, b uint64) (uint64, uint64) {
	w := fetch64(s)
	x := fetch64(s[8:])
	y := fetch64(s[16:])
	z := fetch64(s[24:])

	a += w
	b = rotate64(b+a+z, 21)
	c := a
	a += x
	a += y
	b += rotate64(a, 44)
	return a + z, b + c
}

// CityHash128 computes the 128-bit CityHash of s, returned as (low, high)
// 64-bit halves matching the little-endian 16-byte layout the wire format
// writes on the frame.
func CityHash128(s []byte) (lo, hi uint64) {
	if len(s) >= 16 {
		return cityHash128WithSeed(s[16:], fetch64(s)^cityK0, fetch64(s[8:]))
	}
	return cityHash128WithSeed(s, cityK0, cityK1)
}

func cityHash128WithSeed(s []byte, seed0, seed1 uint64) (lo, hi uint64) {
	n := len(s)
	if n < 16 {
		a := hashLen0to16(s) ^ seed0
		b := hashLen16(seed1, cityK1)
		return hash128to64(a, b), hash128to64(b, a)
	}

	a := seed0
	b := seed1
	c := uint64(0)
	d := uint64(0)

	if n <= 64 {
		c = hashLen16(fetch64(s[n-8:])+cityK1, a)
		d = hashLen16(b+uint64(n), c+fetch64(s[n-16:]))
		a += d
	} else {
		c = hashLen17to32(s[n-32:])
		d = hashLen0to16(s[n-16:])
	}
	a += d

	off := 0
	for rem := n - (n % 32); off < rem; off += 32 {
		a ^= shiftMix(fetch64(s[off:])*cityK1) * cityK1
		a *= cityK1
		b ^= a
		c ^= shiftMix(fetch64(s[off+8:])*cityK1) * cityK1
		c *= cityK1
		d ^= c
		var nw, nz uint64
		nw, nz = weakHashLen32WithSeeds(s[off:off+32], b, d)
		b, d = nz, nw
	}

	a = hashLen16(a, c)
	b = hashLen16(d, b)
	return a ^ b, hashLen16(b, a)
}
