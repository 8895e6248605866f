// Package vid encodes and decodes value-ids: the (class, slot) pair that
// locates a value inside the value store.
package vid

// classBits is the number of high bits reserved for the size-class
// ordinal; 8 classes by default, but this leaves room to configure more
// without changing the on-disk encoding.
const classBits = 8

// SlotBits is the number of low bits available to the slot index.
const SlotBits = 64 - classBits

// MaxSlot is the largest representable slot index.
const MaxSlot = (uint64(1) << SlotBits) - 1

// MaxClass is the largest representable class ordinal.
const MaxClass = (uint64(1) << classBits) - 1

// Encode packs a (class, slot) pair into a single value-id. class occupies
// the high bits, slot the low bits, fixed for the life of the format.
func Encode(class int, slot uint64) uint64 {
	return (uint64(class) << SlotBits) | (slot & MaxSlot)
}

// Decode unpacks a value-id into its (class, slot) pair.
func Decode(v uint64) (class int, slot uint64) {
	class = int(v >> SlotBits)
	slot = v & MaxSlot
	return
}
