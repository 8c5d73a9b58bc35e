// Package elfobj reads RISC-V ELF64 relocatable objects into layout fragments.
package elfobj

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/kimage/internal/layout"
)

var (
	ErrNotRelocatable = errors.New("not a relocatable ELF object")
	ErrWrongMachine   = errors.New("object is not RV64 little-endian")
)

const relaEntrySize = 24

// Reloc is one relocation applied to a fragment.
type Reloc struct {
	Fragment *layout.Fragment
	Offset   uint64
	Type     elf.R_RISCV
	Addend   int64

	// Symbol names a global target. When empty the target is Target+TargetOffset,
	// or the absolute TargetOffset when Target is nil.
	Symbol       string
	Target       *layout.Fragment
	TargetOffset uint64
	// Weak references resolve to zero when undefined.
	Weak bool
}

// Object is the content of one relocatable object.
type Object struct {
	Name      string
	Flags     uint32
	Fragments []*layout.Fragment
	Relocs    []Reloc
	// Undefined lists referenced globals with no definition in this object.
	Undefined     []string
	WeakUndefined []string
	// Absolute holds globals defined in SHN_ABS.
	Absolute []layout.Symbol
	// Lazy objects come from archives and are linked only when they define a
	// name some other linked object still needs.
	Lazy bool
}

// Globals lists the names obj defines for other objects, including weak and
// tentative definitions.
func (obj *Object) Globals() []string {
	var out []string
	for _, sym := range obj.Absolute {
		out = append(out, sym.Name)
	}
	for _, frag := range obj.Fragments {
		for _, label := range frag.Labels {
			if label.Global {
				out = append(out, label.Name)
			}
		}
	}
	return out
}

// Read decodes the relocatable object r. name identifies it in diagnostics
// and in layout file globs.
func Read(name string, r io.ReaderAt) (*Object, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parse ELF %s: %w", name, err)
	}
	defer f.Close()

	if f.Type != elf.ET_REL {
		return nil, fmt.Errorf("%s: %w (type %v)", name, ErrNotRelocatable, f.Type)
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%s: %w (%v %v %v)", name, ErrWrongMachine, f.Class, f.Data, f.Machine)
	}

	obj := &Object{Name: name}
	if flags, err := headerFlags(r); err == nil {
		obj.Flags = flags
	}

	bySection := make(map[int]*layout.Fragment)
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_RELA || s.Type == elf.SHT_REL {
			continue
		}
		var frag *layout.Fragment
		switch s.Type {
		case elf.SHT_NOBITS:
			frag = layout.NewZeroFragment(name, s.Name, s.Size)
		case elf.SHT_PROGBITS, elf.SHT_INIT_ARRAY, elf.SHT_FINI_ARRAY, elf.SHT_PREINIT_ARRAY, elf.SHT_NOTE:
			data, err := s.Data()
			if err != nil {
				return nil, fmt.Errorf("%s: read section %s: %w", name, s.Name, err)
			}
			frag = layout.NewFragment(name, s.Name, data)
		default:
			continue
		}
		frag.Align = s.Addralign
		bySection[i] = frag
		obj.Fragments = append(obj.Fragments, frag)
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: read symbols: %w", name, err)
	}

	targets := make([]symTarget, len(syms)+1)
	undefined := make(map[string]bool)
	for i, sym := range syms {
		bind := elf.ST_BIND(sym.Info)
		global := bind == elf.STB_GLOBAL || bind == elf.STB_WEAK
		weak := bind == elf.STB_WEAK
		t := &targets[i+1]
		t.name = sym.Name
		t.weak = weak

		switch {
		case sym.Section == elf.SHN_UNDEF:
			if sym.Name == "" {
				continue
			}
			t.global = true
			if !undefined[sym.Name] {
				undefined[sym.Name] = true
				if weak {
					obj.WeakUndefined = append(obj.WeakUndefined, sym.Name)
				} else {
					obj.Undefined = append(obj.Undefined, sym.Name)
				}
			}
		case sym.Section == elf.SHN_ABS:
			t.abs = true
			t.value = sym.Value
			t.global = global && sym.Name != ""
			if t.global {
				obj.Absolute = append(obj.Absolute, layout.Symbol{Name: sym.Name, Value: sym.Value, Size: sym.Size, Weak: weak})
			}
		case sym.Section == elf.SHN_COMMON:
			frag := layout.NewZeroFragment(name, ".bss."+sym.Name, sym.Size)
			frag.Align = sym.Value
			frag.Labels = []layout.Label{{Name: sym.Name, Size: sym.Size, Global: true, Weak: weak, Common: true}}
			obj.Fragments = append(obj.Fragments, frag)
			t.frag = frag
			t.global = true
		default:
			frag := bySection[int(sym.Section)]
			if frag == nil {
				// Symbols in non-allocated sections (debug info) never reach the image.
				continue
			}
			t.frag = frag
			t.value = sym.Value
			if elf.ST_TYPE(sym.Info) == elf.STT_SECTION || sym.Name == "" {
				continue
			}
			t.global = global
			frag.Labels = append(frag.Labels, layout.Label{
				Name:   sym.Name,
				Offset: sym.Value,
				Size:   sym.Size,
				Global: global,
				Weak:   weak,
			})
		}
	}

	for _, s := range f.Sections {
		if s.Type != elf.SHT_RELA {
			continue
		}
		frag := bySection[int(s.Info)]
		if frag == nil {
			continue
		}
		relocs, err := readRela(s, targets, frag)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", name, s.Name, err)
		}
		obj.Relocs = append(obj.Relocs, relocs...)
	}
	return obj, nil
}

type symTarget struct {
	name   string
	global bool
	weak   bool
	abs    bool
	frag   *layout.Fragment
	value  uint64
}

func readRela(s *elf.Section, targets []symTarget, frag *layout.Fragment) ([]Reloc, error) {
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read relocations: %w", err)
	}
	if len(data)%relaEntrySize != 0 {
		return nil, fmt.Errorf("relocation section size %d not a multiple of %d", len(data), relaEntrySize)
	}

	out := make([]Reloc, 0, len(data)/relaEntrySize)
	for off := 0; off < len(data); off += relaEntrySize {
		r := Reloc{
			Fragment: frag,
			Offset:   binary.LittleEndian.Uint64(data[off:]),
			Addend:   int64(binary.LittleEndian.Uint64(data[off+16:])),
		}
		info := binary.LittleEndian.Uint64(data[off+8:])
		r.Type = elf.R_RISCV(elf.R_TYPE64(info))
		idx := elf.R_SYM64(info)
		if int(idx) >= len(targets) {
			return nil, fmt.Errorf("relocation at %#x references symbol %d of %d", r.Offset, idx, len(targets)-1)
		}
		if idx != 0 {
			t := targets[idx]
			switch {
			case t.global:
				r.Symbol = t.name
				r.Weak = t.weak
			case t.abs:
				r.TargetOffset = t.value
			case t.frag != nil:
				r.Target = t.frag
				r.TargetOffset = t.value
			default:
				return nil, fmt.Errorf("relocation at %#x against symbol %q in a discarded section", r.Offset, t.name)
			}
		}
		if r.Offset > frag.Size {
			return nil, fmt.Errorf("relocation offset %#x outside section of %d bytes", r.Offset, frag.Size)
		}
		out = append(out, r)
	}
	return out, nil
}

// headerFlags reads e_flags, which debug/elf does not expose.
func headerFlags(r io.ReaderAt) (uint32, error) {
	var buf [4]byte
	if _, err := r.ReadAt(buf[:], 48); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
