// Package elfexe writes a placed kernel image as a RISC-V ELF64 executable.
package elfexe

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/kimage/internal/layout"
)

const (
	elfHeaderSize     = 64
	programHeaderSize = 56
	sectionHeaderSize = 64
	symbolSize        = 24
)

var defaultConfig = Config{
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
}

// Config controls how Build lays out the executable.
type Config struct {
	// SegmentOffset is the file offset of the byte at the image base. It must
	// leave room for the ELF and program headers.
	SegmentOffset uint64
	// SegmentAlignment is the p_align of every loadable segment. The base
	// address and SegmentOffset must be congruent modulo it.
	SegmentAlignment uint64
	// Flags is written to e_flags, normally the merged flags of the inputs.
	Flags uint32
}

// DefaultConfig returns the configuration Build uses for zero fields.
func DefaultConfig() Config {
	return defaultConfig
}

func (cfg Config) withDefaults() Config {
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaultConfig.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaultConfig.SegmentAlignment
	}
	return cfg
}

func (cfg Config) validate(base uint64, segments int) error {
	headerSize := uint64(elfHeaderSize + programHeaderSize*segments)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != base%cfg.SegmentAlignment {
		return fmt.Errorf("segment offset %#x and base %#x disagree modulo %#x", cfg.SegmentOffset, base, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > uint64(maxInt) {
		return fmt.Errorf("segment offset %#x exceeds platform limits", cfg.SegmentOffset)
	}
	return nil
}

type section struct {
	name   uint32
	typ    elf.SectionType
	flags  elf.SectionFlag
	addr   uint64
	offset uint64
	size   uint64
	link   uint32
	info   uint32
	align  uint64
	entry  uint64
}

// Build returns an ET_EXEC file for p whose loadable content is image, the
// relocated file-backed bytes starting at the base address. Each non-empty
// region becomes one PT_LOAD segment and one section; the symbol table carries
// every boundary and object symbol of the placement.
func Build(p *layout.Placement, image []byte, cfg Config) ([]byte, error) {
	cfg = cfg.withDefaults()
	base := p.Base()
	if want := p.FileEnd() - base; uint64(len(image)) != want {
		return nil, fmt.Errorf("image is %d bytes, placement needs %d", len(image), want)
	}

	var regions []layout.PlacedRegion
	for _, r := range p.Regions {
		if r.Size() > 0 {
			regions = append(regions, r)
		}
	}
	if err := cfg.validate(base, len(regions)); err != nil {
		return nil, err
	}

	le := binary.LittleEndian
	out := make([]byte, int(cfg.SegmentOffset))
	out = append(out, image...)
	fileOffset := func(addr uint64) uint64 { return cfg.SegmentOffset + (addr - base) }

	shstr := newStrtab()
	sections := []section{{}}
	sectionOf := make(map[string]elf.SectionIndex)

	for i, r := range regions {
		ph := out[elfHeaderSize+programHeaderSize*i:]
		flags, shflags := permissions(r.Region.Kind)
		filesz := r.Size()
		shtype := elf.SHT_PROGBITS
		if !r.Region.Kind.FileBacked() {
			filesz = 0
			shtype = elf.SHT_NOBITS
		}
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(flags))
		le.PutUint64(ph[8:], fileOffset(r.Start))
		le.PutUint64(ph[16:], r.Start)
		le.PutUint64(ph[24:], r.Start)
		le.PutUint64(ph[32:], filesz)
		le.PutUint64(ph[40:], r.Size())
		le.PutUint64(ph[48:], cfg.SegmentAlignment)

		sectionOf[r.Region.Name] = elf.SectionIndex(len(sections))
		sections = append(sections, section{
			name:   shstr.add(r.Region.Name),
			typ:    shtype,
			flags:  shflags,
			addr:   r.Start,
			offset: fileOffset(r.Start),
			size:   r.Size(),
			align:  alignment(r.Region.Align),
		})
	}

	str := newStrtab()
	symtab := make([]byte, symbolSize)
	for _, sym := range p.Symbols.Symbols() {
		var ent [symbolSize]byte
		bind, typ := elf.STB_GLOBAL, elf.STT_NOTYPE
		if sym.Weak {
			bind = elf.STB_WEAK
		}
		shndx := elf.SHN_ABS
		if sym.Kind == layout.SymbolObject {
			if idx, ok := sectionOf[sym.Region]; ok {
				shndx = idx
			}
			typ = elf.STT_OBJECT
			if r, ok := p.Region(sym.Region); ok && r.Region.Kind == layout.KindCode {
				typ = elf.STT_FUNC
			}
		}
		le.PutUint32(ent[0:], str.add(sym.Name))
		ent[4] = elf.ST_INFO(bind, typ)
		le.PutUint16(ent[6:], uint16(shndx))
		le.PutUint64(ent[8:], sym.Value)
		le.PutUint64(ent[16:], sym.Size)
		symtab = append(symtab, ent[:]...)
	}

	place := func(data []byte, align int) uint64 {
		for len(out)%align != 0 {
			out = append(out, 0)
		}
		off := uint64(len(out))
		out = append(out, data...)
		return off
	}

	symtabIndex := uint32(len(sections))
	sections = append(sections, section{
		name:  shstr.add(".symtab"),
		typ:   elf.SHT_SYMTAB,
		size:  uint64(len(symtab)),
		link:  symtabIndex + 1,
		info:  1,
		align: 8,
		entry: symbolSize,
	})
	sections[symtabIndex].offset = place(symtab, 8)
	sections = append(sections, section{
		name:   shstr.add(".strtab"),
		typ:    elf.SHT_STRTAB,
		offset: place(str.data, 1),
		size:   uint64(len(str.data)),
		align:  1,
	})
	shstrIndex := len(sections)
	sections = append(sections, section{name: shstr.add(".shstrtab"), typ: elf.SHT_STRTAB, align: 1})
	sections[shstrIndex].offset = place(shstr.data, 1)
	sections[shstrIndex].size = uint64(len(shstr.data))

	shoff := place(nil, 8)
	for _, s := range sections {
		var ent [sectionHeaderSize]byte
		le.PutUint32(ent[0:], s.name)
		le.PutUint32(ent[4:], uint32(s.typ))
		le.PutUint64(ent[8:], uint64(s.flags))
		le.PutUint64(ent[16:], s.addr)
		le.PutUint64(ent[24:], s.offset)
		le.PutUint64(ent[32:], s.size)
		le.PutUint32(ent[40:], s.link)
		le.PutUint32(ent[44:], s.info)
		le.PutUint64(ent[48:], s.align)
		le.PutUint64(ent[56:], s.entry)
		out = append(out, ent[:]...)
	}

	fillELFHeader(out[:elfHeaderSize], p.Entry, cfg.Flags, len(regions), shoff, len(sections), shstrIndex)
	return out, nil
}

func fillELFHeader(buf []byte, entry uint64, flags uint32, phnum int, shoff uint64, shnum, shstrndx int) {
	le := binary.LittleEndian
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	le.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	le.PutUint16(buf[18:], uint16(elf.EM_RISCV))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], elfHeaderSize)
	le.PutUint64(buf[40:], shoff)
	le.PutUint32(buf[48:], flags)
	le.PutUint16(buf[52:], elfHeaderSize)
	le.PutUint16(buf[54:], programHeaderSize)
	le.PutUint16(buf[56:], uint16(phnum))
	le.PutUint16(buf[58:], sectionHeaderSize)
	le.PutUint16(buf[60:], uint16(shnum))
	le.PutUint16(buf[62:], uint16(shstrndx))
}

func permissions(k layout.Kind) (elf.ProgFlag, elf.SectionFlag) {
	switch k {
	case layout.KindCode:
		return elf.PF_R | elf.PF_X, elf.SHF_ALLOC | elf.SHF_EXECINSTR
	case layout.KindROData:
		return elf.PF_R, elf.SHF_ALLOC
	default:
		return elf.PF_R | elf.PF_W, elf.SHF_ALLOC | elf.SHF_WRITE
	}
}

func alignment(a layout.Size) uint64 {
	if a == 0 {
		return 1
	}
	return uint64(a)
}

type strtab struct {
	data []byte
	off  map[string]uint32
}

func newStrtab() *strtab {
	return &strtab{data: []byte{0}, off: map[string]uint32{"": 0}}
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(append(t.data, s...), 0)
	t.off[s] = off
	return off
}

func init() {
	// Catch edits to the defaults that no layout could satisfy.
	if err := defaultConfig.validate(0, 1); err != nil {
		panic(err)
	}
}

const maxInt = int(^uint(0) >> 1)
