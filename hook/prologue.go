package hook

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// maxPrologue bounds how many bytes are read from a target before planning.
const maxPrologue = 32

// arch describes how to redirect and relocate code on one CPU architecture.
type arch struct {
	name    string
	jumpLen int
	jump    func(dst uintptr) []byte
	// plan returns how many whole instructions, in bytes, must move into the
	// trampoline so that at least need bytes can be overwritten.
	plan func(code []byte, need int) (int, error)
}

var archAMD64 = arch{
	name:    "amd64",
	jumpLen: 14,
	jump:    jumpAMD64,
	plan:    planAMD64,
}

var archARM64 = arch{
	name:    "arm64",
	jumpLen: 16,
	jump:    jumpARM64,
	plan:    planARM64,
}

// jumpAMD64 encodes JMP [RIP+0] followed by the absolute destination.
func jumpAMD64(dst uintptr) []byte {
	b := make([]byte, 14)
	b[0] = 0xff
	b[1] = 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(dst))
	return b
}

func planAMD64(code []byte, need int) (int, error) {
	n := 0
	for n < need {
		if n >= len(code) {
			return 0, fmt.Errorf("prologue truncated at +%d", n)
		}
		inst, err := x86asm.Decode(code[n:], 64)
		if err != nil {
			return 0, fmt.Errorf("decode prologue at +%d: %w", n, err)
		}
		if relativeAMD64(inst) {
			return 0, fmt.Errorf("%w: %v at +%d", ErrRelativeAddr, inst, n)
		}
		n += inst.Len
		if n < need && endsFlowAMD64(inst) {
			return 0, fmt.Errorf("%w: %v at +%d", ErrShortFunction, inst, n-inst.Len)
		}
	}
	return n, nil
}

func relativeAMD64(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		switch v := a.(type) {
		case x86asm.Rel:
			return true
		case x86asm.Mem:
			if v.Base == x86asm.RIP {
				return true
			}
		}
	}
	return false
}

func endsFlowAMD64(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.JMP, x86asm.UD2, x86asm.INT, x86asm.HLT:
		return true
	}
	return false
}

const (
	ldrX17Literal8 = 0x58000051 // LDR X17, #8
	brX17          = 0xd61f0220 // BR X17
)

// jumpARM64 encodes LDR X17, #8; BR X17; .quad dst.
func jumpARM64(dst uintptr) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:], ldrX17Literal8)
	binary.LittleEndian.PutUint32(b[4:], brX17)
	binary.LittleEndian.PutUint64(b[8:], uint64(dst))
	return b
}

func planARM64(code []byte, need int) (int, error) {
	n := 0
	for n < need {
		if n+4 > len(code) {
			return 0, fmt.Errorf("prologue truncated at +%d", n)
		}
		inst, err := arm64asm.Decode(code[n : n+4])
		if err != nil {
			return 0, fmt.Errorf("decode prologue at +%d: %w", n, err)
		}
		if relativeARM64(inst) {
			return 0, fmt.Errorf("%w: %v at +%d", ErrRelativeAddr, inst, n)
		}
		n += 4
		if n < need && endsFlowARM64(inst) {
			return 0, fmt.Errorf("%w: %v at +%d", ErrShortFunction, inst, n-4)
		}
	}
	return n, nil
}

func relativeARM64(inst arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.ADR, arm64asm.ADRP, arm64asm.B, arm64asm.BL,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	}
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		if _, ok := a.(arm64asm.PCRel); ok {
			return true
		}
	}
	return false
}

func endsFlowARM64(inst arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.RET, arm64asm.BR, arm64asm.BRK, arm64asm.HLT:
		return true
	}
	return false
}

// trampoline returns the relocated prologue followed by a jump back to the
// first instruction left in place.
func (a arch) trampoline(target uintptr, prologue []byte) []byte {
	out := make([]byte, 0, len(prologue)+a.jumpLen)
	out = append(out, prologue...)
	return append(out, a.jump(target+uintptr(len(prologue)))...)
}

// calcBoundaries returns the page aligned area covering size bytes at addr.
func calcBoundaries(addr uintptr, size int) (uintptr, uintptr) {
	pageSize := uintptr(os.Getpagesize())
	areaStart := addr &^ (pageSize - 1)
	areaSize := (addr + uintptr(size)) - areaStart

	return areaStart, areaSize
}
