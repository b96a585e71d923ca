package amd64util

import (
	"errors"
	"fmt"
)

// Debug register layout described in the Intel 64 and IA-32 Architectures
// Software Developer's Manual, Vol. 3B, section 17.2.
//
// DR7 holds, for each of the four address registers DR0-DR3, a local and
// a global enable bit (bits 0-7, two per slot) and a 4 bit control field
// (bits 16-31, four per slot) made of a 2 bit trigger type followed by a 2
// bit length.
const (
	// NumSlots is the number of address registers (DR0-DR3).
	NumSlots = 4

	// DR6 and DR7 are the indexes of the status and control registers.
	DR6 = 6
	DR7 = 7

	enableSize   = 2  // local + global enable bit per slot
	controlSize  = 4  // type + length bits per slot
	controlShift = 16 // first control field bit

	localEnableMask  = 0x1
	globalEnableMask = 0x2
	typeMask         = 0x3
	lenMask          = 0x3

	// LocalExact (LE), GlobalExact (GE) and GeneralDetect (GD) are the
	// register wide bits of DR7. The codec never modifies them.
	LocalExact    uint64 = 1 << 8
	GlobalExact   uint64 = 1 << 9
	GeneralDetect uint64 = 1 << 13

	// dr6SlotMask selects the B0-B3 condition bits of DR6.
	dr6SlotMask = 0xf
)

// Trigger is the condition that makes a debug register fire.
type Trigger uint8

const (
	TriggerExecute   Trigger = iota // break on instruction execution
	TriggerWrite                    // break on data write
	TriggerReadWrite                // break on data read or write
)

func (t Trigger) String() string {
	switch t {
	case TriggerExecute:
		return "execute"
	case TriggerWrite:
		return "write"
	case TriggerReadWrite:
		return "read-write"
	}
	return fmt.Sprintf("Trigger(%d)", uint8(t))
}

// Code returns the 2 bit RW encoding of t.
func (t Trigger) Code() (uint64, error) {
	switch t {
	case TriggerExecute:
		return 0x0, nil
	case TriggerWrite:
		return 0x1, nil
	case TriggerReadWrite:
		return 0x3, nil
	}
	return 0, fmt.Errorf("unknown trigger %d", uint8(t))
}

// DecodeTrigger is the inverse of Trigger.Code. Code 2 selects I/O
// breakpoints which are not supported.
func DecodeTrigger(code uint64) (Trigger, error) {
	switch code & typeMask {
	case 0x0:
		return TriggerExecute, nil
	case 0x1:
		return TriggerWrite, nil
	case 0x3:
		return TriggerReadWrite, nil
	}
	return 0, errors.New("I/O breakpoints not supported")
}

// ErrInvalidSize is returned when a watched region is not 1, 2, 4 or 8
// bytes long.
type ErrInvalidSize struct {
	Size int
}

func (e ErrInvalidSize) Error() string {
	return fmt.Sprintf("data breakpoint of size %d not supported", e.Size)
}

// EncodeLength returns the 2 bit LEN encoding of a region of sz bytes.
func EncodeLength(sz int) (uint64, error) {
	switch sz {
	case 1:
		return 0x0, nil
	case 2:
		return 0x1, nil
	case 4:
		return 0x3, nil
	case 8:
		return 0x2, nil // sic
	}
	return 0, ErrInvalidSize{Size: sz}
}

// DecodeLength is the inverse of EncodeLength.
func DecodeLength(code uint64) int {
	switch code & lenMask {
	case 0x0:
		return 1
	case 0x1:
		return 2
	case 0x2:
		return 8
	}
	return 4
}

func enableBitOffset(slot uint8) uint8 {
	return slot * enableSize
}

func typeBitsOffset(slot uint8) uint8 {
	return controlShift + slot*controlSize
}

func lenBitsOffset(slot uint8) uint8 {
	return typeBitsOffset(slot) + 2
}

// slotMask returns the DR7 bits owned by slot: both enable bits and the
// whole control field.
func slotMask(slot uint8) uint64 {
	return uint64(localEnableMask|globalEnableMask)<<enableBitOffset(slot) |
		uint64(typeMask)<<typeBitsOffset(slot) |
		uint64(lenMask)<<lenBitsOffset(slot)
}

func checkSlot(slot uint8) error {
	if slot >= NumSlots {
		return fmt.Errorf("invalid debug register slot %d", slot)
	}
	return nil
}

// BuildControlValue returns a copy of the DR7 value existing where slot is
// enabled (local and global) with the given trigger and length code. Every
// bit that does not belong to slot is preserved.
func BuildControlValue(existing uint64, slot uint8, trigger Trigger, length uint64) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	rw, err := trigger.Code()
	if err != nil {
		return 0, err
	}
	if length&^lenMask != 0 {
		return 0, fmt.Errorf("invalid length code %#x", length)
	}
	v := existing &^ slotMask(slot) // clear old settings
	v |= uint64(localEnableMask|globalEnableMask) << enableBitOffset(slot)
	v |= rw << typeBitsOffset(slot)
	v |= length << lenBitsOffset(slot)
	return v, nil
}

// ClearControlValue returns a copy of existing with slot disabled and its
// control field zeroed.
func ClearControlValue(existing uint64, slot uint8) (uint64, error) {
	if err := checkSlot(slot); err != nil {
		return 0, err
	}
	return existing &^ slotMask(slot), nil
}

// ControlRegister is an image of DR7.
type ControlRegister uint64

// Enabled reports whether either enable bit of slot is set.
func (dr7 ControlRegister) Enabled(slot uint8) bool {
	return uint64(dr7)>>enableBitOffset(slot)&(localEnableMask|globalEnableMask) != 0
}

// Slot decodes the configuration of slot.
func (dr7 ControlRegister) Slot(slot uint8) (enabled bool, trigger Trigger, sz int, err error) {
	if err = checkSlot(slot); err != nil {
		return false, 0, 0, err
	}
	enabled = dr7.Enabled(slot)
	trigger, err = DecodeTrigger(uint64(dr7) >> typeBitsOffset(slot))
	sz = DecodeLength(uint64(dr7) >> lenBitsOffset(slot))
	return enabled, trigger, sz, err
}

func (dr7 ControlRegister) String() string {
	return fmt.Sprintf("%#x", uint64(dr7))
}

// TriggeredSlot returns the lowest slot whose condition bit is set in the
// DR6 value dr6.
func TriggeredSlot(dr6 uint64) (slot uint8, ok bool) {
	cond := dr6 & dr6SlotMask
	for slot = 0; slot < NumSlots; slot++ {
		if cond&(1<<slot) != 0 {
			return slot, true
		}
	}
	return 0, false
}
