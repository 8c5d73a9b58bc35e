package riscv

import "testing"

// decodeB and decodeJ mirror the ISA manual's immediate layouts.
func decodeB(insn uint32) int64 {
	imm := (insn>>31&1)<<12 | (insn>>7&1)<<11 | (insn>>25&0x3f)<<5 | (insn>>8&0xf)<<1
	return int64(int32(imm<<19) >> 19)
}

func decodeJ(insn uint32) int64 {
	imm := (insn>>31&1)<<20 | (insn>>12&0xff)<<12 | (insn>>20&1)<<11 | (insn>>21&0x3ff)<<1
	return int64(int32(imm<<11) >> 11)
}

func TestHiLo(t *testing.T) {
	for _, v := range []int64{0, 1, 0x7ff, 0x800, -0x800, -0x801, 0x12345678, -0x12345678, 0x7ffff7ff} {
		hi, lo, err := HiLo(v)
		if err != nil {
			t.Fatalf("HiLo(%#x) failed: %v", v, err)
		}
		if lo < -2048 || lo > 2047 {
			t.Fatalf("HiLo(%#x) lo = %d out of range", v, lo)
		}
		if got := int64(hi)<<12 + int64(lo); got != v {
			t.Fatalf("HiLo(%#x) recombines to %#x", v, got)
		}
	}
	if _, _, err := HiLo(0x80000000); err == nil {
		t.Fatalf("HiLo(0x80000000) succeeded, want range error")
	}
}

func TestSetIS(t *testing.T) {
	addi := uint32(0x00050513) // addi a0, a0, 0
	patched, err := SetI(addi, -4)
	if err != nil {
		t.Fatalf("SetI failed: %v", err)
	}
	if got, want := patched, uint32(0xffc50513); got != want {
		t.Fatalf("SetI(-4) = %#08x, want %#08x", got, want)
	}
	if _, err := SetI(addi, 2048); err == nil {
		t.Fatalf("SetI(2048) succeeded, want range error")
	}

	sd := uint32(0x00b53023) // sd a1, 0(a0)
	patched, err = SetS(sd, 0x7f8)
	if err != nil {
		t.Fatalf("SetS failed: %v", err)
	}
	if got, want := patched, uint32(0x7eb53c23); got != want {
		t.Fatalf("SetS(0x7f8) = %#08x, want %#08x", got, want)
	}
	if _, err := SetS(sd, 4096); err == nil {
		t.Fatalf("SetS(4096) succeeded, want range error")
	}
}

func TestSetU(t *testing.T) {
	auipc := uint32(0x00000097) // auipc ra, 0
	if got, want := SetU(auipc, -1), uint32(0xfffff097); got != want {
		t.Fatalf("SetU(-1) = %#08x, want %#08x", got, want)
	}
	if got, want := SetU(auipc, 0x12), uint32(0x00012097); got != want {
		t.Fatalf("SetU(0x12) = %#08x, want %#08x", got, want)
	}
}

func TestSetBJ(t *testing.T) {
	beq := uint32(0x00000063) // beq x0, x0, 0
	for _, off := range []int64{0, 2, -2, 4094, -4096, 0x7fe} {
		insn, err := SetB(beq, off)
		if err != nil {
			t.Fatalf("SetB(%d) failed: %v", off, err)
		}
		if got := decodeB(insn); got != off {
			t.Fatalf("SetB(%d) decodes to %d", off, got)
		}
		if insn&0x7f != 0x63 {
			t.Fatalf("SetB(%d) clobbered the opcode", off)
		}
	}
	if _, err := SetB(beq, 4096); err == nil {
		t.Fatalf("SetB(4096) succeeded, want range error")
	}

	jal := uint32(0x000000ef) // jal ra, 0
	for _, off := range []int64{0, 2, -2, 0xffffe, -0x100000, 0x12344} {
		insn, err := SetJ(jal, off)
		if err != nil {
			t.Fatalf("SetJ(%d) failed: %v", off, err)
		}
		if got := decodeJ(insn); got != off {
			t.Fatalf("SetJ(%d) decodes to %d", off, got)
		}
		if insn&0xfff != 0x0ef {
			t.Fatalf("SetJ(%d) clobbered rd/opcode", off)
		}
	}
	if _, err := SetJ(jal, 3); err == nil {
		t.Fatalf("SetJ(3) succeeded, want alignment error")
	}
}

func TestSetCompressed(t *testing.T) {
	cj := uint16(0xa001) // c.j 0
	insn, err := SetCJ(cj, -2)
	if err != nil {
		t.Fatalf("SetCJ failed: %v", err)
	}
	if got, want := insn, uint16(0xbffd); got != want {
		t.Fatalf("c.j -2 = %#04x, want %#04x", got, want)
	}

	cb := uint16(0xc001) // c.beqz s0, 0
	insn, err = SetCB(cb, -2)
	if err != nil {
		t.Fatalf("SetCB failed: %v", err)
	}
	if got, want := insn, uint16(0xdc7d); got != want {
		t.Fatalf("c.beqz s0, -2 = %#04x, want %#04x", got, want)
	}
	if _, err := SetCB(cb, 256); err == nil {
		t.Fatalf("SetCB(256) succeeded, want range error")
	}
}
