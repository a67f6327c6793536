// Package serial implements RFC-1982-style serial-number (modular)
// arithmetic for the bit-widths this overlay core needs: 31 bits for
// session sequence numbers and 28 bits for message IDs.
package serial

// Newer reports whether a is newer than b in modular arithmetic over a
// bitWidth-bit space: (a - b) mod 2^bitWidth < 2^(bitWidth-1).
func Newer(a, b uint32, bitWidth uint) bool {
	mod := uint32(1) << bitWidth
	half := uint32(1) << (bitWidth - 1)
	diff := (a - b) & (mod - 1)
	return diff != 0 && diff < half
}

// Distance returns the modular forward distance from b to a: (a - b) mod
// 2^bitWidth. This is always in [0, 2^bitWidth).
func Distance(a, b uint32, bitWidth uint) uint32 {
	mod := uint32(1) << bitWidth
	return (a - b) & (mod - 1)
}

// Add returns (a + delta) mod 2^bitWidth.
func Add(a, delta uint32, bitWidth uint) uint32 {
	mod := uint32(1) << bitWidth
	return (a + delta) & (mod - 1)
}

// Mask returns a masked down to bitWidth bits.
func Mask(a uint32, bitWidth uint) uint32 {
	mod := uint32(1) << bitWidth
	return a & (mod - 1)
}
