package link

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/kimage/internal/elfobj"
	"github.com/tinyrange/kimage/internal/layout"
	"github.com/tinyrange/kimage/internal/riscv"
)

// ErrUnsupportedRelocation is returned for relocation types the linker does
// not implement.
var ErrUnsupportedRelocation = errors.New("unsupported relocation")

// relocator applies relocations to a copy of the placed image.
type relocator struct {
	p     *layout.Placement
	image []byte
	// hi20 remembers the value computed for each PCREL_HI20 site, keyed by the
	// absolute address of the AUIPC, for the LO12 relocations that point at it.
	hi20 map[uint64]int64
}

func newRelocator(p *layout.Placement, image []byte) *relocator {
	return &relocator{p: p, image: image, hi20: make(map[uint64]int64)}
}

// target resolves S for r.
func (rl *relocator) target(r elfobj.Reloc) (uint64, error) {
	switch {
	case r.Symbol != "":
		if v, ok := rl.p.Lookup(r.Symbol); ok {
			return v, nil
		}
		if r.Weak {
			return 0, nil
		}
		return 0, &layout.Error{Kind: layout.ErrUnresolvedSymbol, Symbol: r.Symbol, Detail: fmt.Sprintf("referenced from %s+%#x", r.Fragment, r.Offset)}
	case r.Target != nil:
		addr, ok := rl.p.Address(r.Target)
		if !ok {
			return 0, fmt.Errorf("%s+%#x: relocation against %s, which is not part of the image", r.Fragment, r.Offset, r.Target)
		}
		return addr + r.TargetOffset, nil
	default:
		return r.TargetOffset, nil
	}
}

// window returns the image bytes at the relocation site.
func (rl *relocator) window(place uint64, n uint64) ([]byte, error) {
	base := rl.p.Base()
	if place < base || place+n > base+uint64(len(rl.image)) {
		if r, ok := rl.p.RegionOf(place); ok {
			return nil, fmt.Errorf("relocation site %#x in %s region %s has no file content", place, r.Region.Kind, r.Region.Name)
		}
		return nil, fmt.Errorf("relocation site %#x outside file-backed image", place)
	}
	off := place - base
	return rl.image[off : off+n], nil
}

// collectHi20 records every PCREL_HI20 value before any
// LO12 is resolved, since LO12 relocations may precede their HI20 in the table.
func (rl *relocator) collectHi20(relocs []elfobj.Reloc) error {
	for _, r := range relocs {
		if r.Type != elf.R_RISCV_PCREL_HI20 {
			continue
		}
		place, ok := rl.p.Address(r.Fragment)
		if !ok {
			continue
		}
		place += r.Offset
		s, err := rl.target(r)
		if err != nil {
			return err
		}
		rl.hi20[place] = int64(s) + r.Addend - int64(place)
	}
	return nil
}

func (rl *relocator) apply(r elfobj.Reloc) error {
	base, ok := rl.p.Address(r.Fragment)
	if !ok {
		return nil
	}
	place := base + r.Offset

	switch r.Type {
	case elf.R_RISCV_NONE, elf.R_RISCV_RELAX:
		return nil
	case elf.R_RISCV_ALIGN:
		// The assembler padded with r.Addend bytes of NOPs assuming the linker
		// would delete the excess. Without relaxation the padding only works if
		// the code after it already lands on the requested boundary.
		align := uint64(1)
		for align <= uint64(r.Addend) {
			align <<= 1
		}
		if (place+uint64(r.Addend))%align != 0 {
			return fmt.Errorf("%s+%#x: R_RISCV_ALIGN to %d needs relaxation; rebuild with -mno-relax", r.Fragment, r.Offset, align)
		}
		return nil
	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S:
		// S is the AUIPC carrying the matching PCREL_HI20.
		auipc, err := rl.target(r)
		if err != nil {
			return err
		}
		v, ok := rl.hi20[auipc]
		if !ok {
			return fmt.Errorf("%s+%#x: %v without a PCREL_HI20 at %#x", r.Fragment, r.Offset, r.Type, auipc)
		}
		_, lo, err := riscv.HiLo(v)
		if err != nil {
			return rl.wrap(r, err)
		}
		return rl.patch32(r, place, func(insn uint32) (uint32, error) {
			if r.Type == elf.R_RISCV_PCREL_LO12_S {
				return riscv.SetS(insn, lo)
			}
			return riscv.SetI(insn, lo)
		})
	}

	s, err := rl.target(r)
	if err != nil {
		return err
	}
	sa := int64(s) + r.Addend
	pcrel := sa - int64(place)
	le := binary.LittleEndian

	switch r.Type {
	case elf.R_RISCV_64:
		buf, err := rl.window(place, 8)
		if err != nil {
			return rl.wrap(r, err)
		}
		le.PutUint64(buf, uint64(sa))
	case elf.R_RISCV_32:
		if sa < 0 || sa > 0xffffffff {
			return rl.wrap(r, fmt.Errorf("value %#x does not fit in 32 bits", sa))
		}
		buf, err := rl.window(place, 4)
		if err != nil {
			return rl.wrap(r, err)
		}
		le.PutUint32(buf, uint32(sa))
	case elf.R_RISCV_32_PCREL:
		if pcrel < -(1<<31) || pcrel >= 1<<31 {
			return rl.wrap(r, fmt.Errorf("offset %#x does not fit in 32 bits", pcrel))
		}
		buf, err := rl.window(place, 4)
		if err != nil {
			return rl.wrap(r, err)
		}
		le.PutUint32(buf, uint32(int32(pcrel)))
	case elf.R_RISCV_HI20:
		hi, _, err := riscv.HiLo(sa)
		if err != nil {
			return rl.wrap(r, err)
		}
		return rl.patch32(r, place, func(insn uint32) (uint32, error) { return riscv.SetU(insn, hi), nil })
	case elf.R_RISCV_LO12_I, elf.R_RISCV_LO12_S:
		_, lo, err := riscv.HiLo(sa)
		if err != nil {
			return rl.wrap(r, err)
		}
		return rl.patch32(r, place, func(insn uint32) (uint32, error) {
			if r.Type == elf.R_RISCV_LO12_S {
				return riscv.SetS(insn, lo)
			}
			return riscv.SetI(insn, lo)
		})
	case elf.R_RISCV_PCREL_HI20:
		hi, _, err := riscv.HiLo(pcrel)
		if err != nil {
			return rl.wrap(r, err)
		}
		return rl.patch32(r, place, func(insn uint32) (uint32, error) { return riscv.SetU(insn, hi), nil })
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		hi, lo, err := riscv.HiLo(pcrel)
		if err != nil {
			return rl.wrap(r, err)
		}
		buf, err := rl.window(place, 8)
		if err != nil {
			return rl.wrap(r, err)
		}
		jalr, err := riscv.SetI(riscv.Insn(buf[4:]), lo)
		if err != nil {
			return rl.wrap(r, err)
		}
		riscv.PutInsn(buf, riscv.SetU(riscv.Insn(buf), hi))
		riscv.PutInsn(buf[4:], jalr)
	case elf.R_RISCV_JAL:
		return rl.patch32(r, place, func(insn uint32) (uint32, error) { return riscv.SetJ(insn, pcrel) })
	case elf.R_RISCV_BRANCH:
		return rl.patch32(r, place, func(insn uint32) (uint32, error) { return riscv.SetB(insn, pcrel) })
	case elf.R_RISCV_RVC_JUMP:
		return rl.patch16(r, place, func(insn uint16) (uint16, error) { return riscv.SetCJ(insn, pcrel) })
	case elf.R_RISCV_RVC_BRANCH:
		return rl.patch16(r, place, func(insn uint16) (uint16, error) { return riscv.SetCB(insn, pcrel) })
	case elf.R_RISCV_ADD8, elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64,
		elf.R_RISCV_SUB6, elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32, elf.R_RISCV_SUB64,
		elf.R_RISCV_SET6, elf.R_RISCV_SET8, elf.R_RISCV_SET16, elf.R_RISCV_SET32:
		return rl.arith(r, place, uint64(sa))
	default:
		return rl.wrap(r, fmt.Errorf("%w %v", ErrUnsupportedRelocation, r.Type))
	}
	return nil
}

// arith handles the label-difference relocations emitted for jump tables and
// unwind data.
func (rl *relocator) arith(r elfobj.Reloc, place uint64, v uint64) error {
	var width uint64
	switch r.Type {
	case elf.R_RISCV_ADD8, elf.R_RISCV_SUB8, elf.R_RISCV_SET8, elf.R_RISCV_SUB6, elf.R_RISCV_SET6:
		width = 1
	case elf.R_RISCV_ADD16, elf.R_RISCV_SUB16, elf.R_RISCV_SET16:
		width = 2
	case elf.R_RISCV_ADD32, elf.R_RISCV_SUB32, elf.R_RISCV_SET32:
		width = 4
	default:
		width = 8
	}
	buf, err := rl.window(place, width)
	if err != nil {
		return rl.wrap(r, err)
	}

	var cur uint64
	switch width {
	case 1:
		cur = uint64(buf[0])
	case 2:
		cur = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		cur = uint64(binary.LittleEndian.Uint32(buf))
	default:
		cur = binary.LittleEndian.Uint64(buf)
	}

	switch r.Type {
	case elf.R_RISCV_ADD8, elf.R_RISCV_ADD16, elf.R_RISCV_ADD32, elf.R_RISCV_ADD64:
		cur += v
	case elf.R_RISCV_SUB8, elf.R_RISCV_SUB16, elf.R_RISCV_SUB32, elf.R_RISCV_SUB64:
		cur -= v
	case elf.R_RISCV_SUB6:
		cur = cur&0xc0 | (cur-v)&0x3f
	case elf.R_RISCV_SET6:
		cur = cur&0xc0 | v&0x3f
	default:
		cur = v
	}

	switch width {
	case 1:
		buf[0] = byte(cur)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(cur))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(cur))
	default:
		binary.LittleEndian.PutUint64(buf, cur)
	}
	return nil
}

func (rl *relocator) patch32(r elfobj.Reloc, place uint64, fn func(uint32) (uint32, error)) error {
	buf, err := rl.window(place, 4)
	if err != nil {
		return rl.wrap(r, err)
	}
	insn, err := fn(riscv.Insn(buf))
	if err != nil {
		return rl.wrap(r, err)
	}
	riscv.PutInsn(buf, insn)
	return nil
}

func (rl *relocator) patch16(r elfobj.Reloc, place uint64, fn func(uint16) (uint16, error)) error {
	buf, err := rl.window(place, 2)
	if err != nil {
		return rl.wrap(r, err)
	}
	insn, err := fn(binary.LittleEndian.Uint16(buf))
	if err != nil {
		return rl.wrap(r, err)
	}
	binary.LittleEndian.PutUint16(buf, insn)
	return nil
}

func (rl *relocator) wrap(r elfobj.Reloc, err error) error {
	name := r.Symbol
	if name == "" && r.Target != nil {
		name = r.Target.String()
	}
	return fmt.Errorf("%s+%#x: %v against %s: %w", r.Fragment, r.Offset, r.Type, name, err)
}
