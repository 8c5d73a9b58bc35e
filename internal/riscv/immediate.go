// Package riscv encodes and patches RV64 instruction immediates.
package riscv

import (
	"encoding/binary"
	"fmt"
)

// HiLo splits v so that (hi << 12) + lo == v with lo in [-2048, 2047], the
// form consumed by an AUIPC/LUI and ADDI/load/store pair.
func HiLo(v int64) (hi int32, lo int32, err error) {
	if v < -(1<<31)-0x800 || v >= (1<<31)-0x800 {
		return 0, 0, fmt.Errorf("riscv: offset %#x out of range for a hi20/lo12 pair", v)
	}
	h := (v + 0x800) >> 12
	return int32(h), int32(v - h<<12), nil
}

// SetI replaces the immediate of an I-type instruction.
func SetI(insn uint32, imm int32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for I-type", imm)
	}
	return insn&0x000fffff | (uint32(imm)&0xfff)<<20, nil
}

// SetS replaces the immediate of an S-type instruction.
func SetS(insn uint32, imm int32) (uint32, error) {
	if imm < -2048 || imm > 2047 {
		return 0, fmt.Errorf("riscv: immediate %d out of range for S-type", imm)
	}
	uimm := uint32(imm) & 0xfff
	return insn&0x01fff07f | (uimm>>5)<<25 | (uimm&0x1f)<<7, nil
}

// SetU replaces the upper 20 bits of a U-type instruction.
func SetU(insn uint32, hi int32) uint32 {
	return insn&0x00000fff | (uint32(hi)&0xfffff)<<12
}

// SetB replaces the offset of a conditional branch.
func SetB(insn uint32, off int64) (uint32, error) {
	if off < -(1<<12) || off >= 1<<12 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: branch offset %d out of range", off)
	}
	u := uint32(off)
	return insn&0x01fff07f |
		(u>>12&1)<<31 | (u>>5&0x3f)<<25 |
		(u>>1&0xf)<<8 | (u>>11&1)<<7, nil
}

// SetJ replaces the offset of a JAL.
func SetJ(insn uint32, off int64) (uint32, error) {
	if off < -(1<<20) || off >= 1<<20 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: jump offset %d out of range", off)
	}
	u := uint32(off)
	return insn&0x00000fff |
		(u>>20&1)<<31 | (u>>1&0x3ff)<<21 |
		(u>>11&1)<<20 | (u>>12&0xff)<<12, nil
}

// SetCB replaces the offset of a compressed C.BEQZ/C.BNEZ.
func SetCB(insn uint16, off int64) (uint16, error) {
	if off < -(1<<8) || off >= 1<<8 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: compressed branch offset %d out of range", off)
	}
	u := uint16(off)
	return insn&0xe383 |
		(u>>8&1)<<12 | (u>>3&3)<<10 |
		(u>>6&3)<<5 | (u>>1&3)<<3 | (u>>5&1)<<2, nil
}

// SetCJ replaces the offset of a compressed C.J/C.JAL.
func SetCJ(insn uint16, off int64) (uint16, error) {
	if off < -(1<<11) || off >= 1<<11 || off&1 != 0 {
		return 0, fmt.Errorf("riscv: compressed jump offset %d out of range", off)
	}
	u := uint16(off)
	return insn&0xe003 |
		(u>>11&1)<<12 | (u>>4&1)<<11 | (u>>8&3)<<9 | (u>>10&1)<<8 |
		(u>>6&1)<<7 | (u>>7&1)<<6 | (u>>1&7)<<3 | (u>>5&1)<<2, nil
}

// Insn reads a 32-bit instruction.
func Insn(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }

// PutInsn writes a 32-bit instruction.
func PutInsn(buf []byte, insn uint32) { binary.LittleEndian.PutUint32(buf, insn) }
