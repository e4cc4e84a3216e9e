// Package reduce implements element-wise combination of raw tensor
// payloads. Buffers are little-endian, matching the transport wire
// format.
package reduce

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// Sum adds src into dst element-wise: dst[i] += src[i]. The two
// buffers must have equal length, a multiple of the element size.
// Integer types wrap on overflow.
func Sum(dtype core.DataType, dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("buffer lengths differ: %d vs %d", len(dst), len(src))
	}
	size := dtype.Size()
	if size == 0 {
		return fmt.Errorf("unknown element type %d", int(dtype))
	}
	if len(dst)%size != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of %s element size %d", len(dst), dtype, size)
	}

	switch dtype {
	case core.Float32:
		for i := 0; i < len(dst); i += 4 {
			a := math.Float32frombits(binary.LittleEndian.Uint32(dst[i:]))
			b := math.Float32frombits(binary.LittleEndian.Uint32(src[i:]))
			binary.LittleEndian.PutUint32(dst[i:], math.Float32bits(a+b))
		}
	case core.Float64:
		for i := 0; i < len(dst); i += 8 {
			a := math.Float64frombits(binary.LittleEndian.Uint64(dst[i:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(src[i:]))
			binary.LittleEndian.PutUint64(dst[i:], math.Float64bits(a+b))
		}
	case core.Float16:
		for i := 0; i < len(dst); i += 2 {
			a := Float16Value(binary.LittleEndian.Uint16(dst[i:]))
			b := Float16Value(binary.LittleEndian.Uint16(src[i:]))
			binary.LittleEndian.PutUint16(dst[i:], Float16Bits(a+b))
		}
	case core.Uint8:
		for i := range dst {
			dst[i] += src[i]
		}
	case core.Int8:
		for i := range dst {
			dst[i] = byte(int8(dst[i]) + int8(src[i]))
		}
	case core.Int32:
		for i := 0; i < len(dst); i += 4 {
			a := int32(binary.LittleEndian.Uint32(dst[i:]))
			b := int32(binary.LittleEndian.Uint32(src[i:]))
			binary.LittleEndian.PutUint32(dst[i:], uint32(a+b))
		}
	case core.Int64:
		for i := 0; i < len(dst); i += 8 {
			a := int64(binary.LittleEndian.Uint64(dst[i:]))
			b := int64(binary.LittleEndian.Uint64(src[i:]))
			binary.LittleEndian.PutUint64(dst[i:], uint64(a+b))
		}
	}
	return nil
}

// Float16Value expands an IEEE 754 binary16 value to float32. The
// conversion is exact.
func Float16Value(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x3ff)

	var bits uint32
	switch {
	case exp == 0:
		if frac == 0 {
			bits = sign
		} else {
			// Subnormal: renormalize into the float32 exponent range.
			e := uint32(113)
			for frac&0x400 == 0 {
				frac <<= 1
				e--
			}
			bits = sign | e<<23 | (frac&0x3ff)<<13
		}
	case exp == 0x1f:
		bits = sign | 0x7f800000 | frac<<13
	default:
		bits = sign | (exp+112)<<23 | frac<<13
	}
	return math.Float32frombits(bits)
}

// Float16Bits converts a float32 to IEEE 754 binary16, rounding to
// nearest even and saturating overflow to infinity.
func Float16Bits(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xff) - 127 + 15
	frac := bits & 0x7fffff

	switch {
	case exp >= 0x1f:
		if bits&0x7fffffff > 0x7f800000 {
			return sign | 0x7e00
		}
		return sign | 0x7c00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		frac |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(frac >> shift)
		rem := frac & (1<<shift - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return sign | half
	default:
		half := sign | uint16(exp)<<10 | uint16(frac>>13)
		rem := frac & 0x1fff
		if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
			half++
		}
		return half
	}
}
