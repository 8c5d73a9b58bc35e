// Package objtest assembles small RISC-V relocatable objects for tests.
package objtest

import (
	"debug/elf"
	"encoding/binary"
	"sort"
)

const (
	elfHeaderSize     = 64
	sectionHeaderSize = 64
	symbolSize        = 24
	relaSize          = 24

	// DefaultFlags is EF_RISCV_RVC | EF_RISCV_FLOAT_ABI_DOUBLE.
	DefaultFlags uint32 = 0x5
)

type rela struct {
	off    uint64
	typ    elf.R_RISCV
	sym    int
	addend int64
}

type section struct {
	name   string
	typ    elf.SectionType
	flags  elf.SectionFlag
	align  uint64
	data   []byte
	size   uint64
	relocs []rela
}

type symbol struct {
	name    string
	section elf.SectionIndex
	value   uint64
	size    uint64
	bind    elf.SymBind
	typ     elf.SymType
}

// Builder accumulates sections, symbols and relocations.
type Builder struct {
	Flags    uint32
	sections []section
	symbols  []symbol
}

func New() *Builder {
	return &Builder{Flags: DefaultFlags}
}

// Section adds a file-backed section and returns its ELF section index.
func (b *Builder) Section(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte) elf.SectionIndex {
	b.sections = append(b.sections, section{
		name:  name,
		typ:   typ,
		flags: flags,
		align: align,
		data:  append([]byte(nil), data...),
		size:  uint64(len(data)),
	})
	return elf.SectionIndex(len(b.sections))
}

// Text adds an executable PROGBITS section.
func (b *Builder) Text(name string, align uint64, code []byte) elf.SectionIndex {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, align, code)
}

// Data adds a writable PROGBITS section.
func (b *Builder) Data(name string, align uint64, data []byte) elf.SectionIndex {
	return b.Section(name, elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, align, data)
}

// NoBits adds a zero-fill section.
func (b *Builder) NoBits(name string, align, size uint64) elf.SectionIndex {
	b.sections = append(b.sections, section{
		name:  name,
		typ:   elf.SHT_NOBITS,
		flags: elf.SHF_ALLOC | elf.SHF_WRITE,
		align: align,
		size:  size,
	})
	return elf.SectionIndex(len(b.sections))
}

// Symbol adds a symbol and returns a handle for Reloc.
func (b *Builder) Symbol(name string, shndx elf.SectionIndex, value, size uint64, bind elf.SymBind, typ elf.SymType) int {
	b.symbols = append(b.symbols, symbol{name: name, section: shndx, value: value, size: size, bind: bind, typ: typ})
	return len(b.symbols)
}

// Global adds a global function symbol.
func (b *Builder) Global(name string, shndx elf.SectionIndex, value uint64) int {
	return b.Symbol(name, shndx, value, 0, elf.STB_GLOBAL, elf.STT_FUNC)
}

// Local adds a local label.
func (b *Builder) Local(name string, shndx elf.SectionIndex, value uint64) int {
	return b.Symbol(name, shndx, value, 0, elf.STB_LOCAL, elf.STT_NOTYPE)
}

// Undefined adds a reference to a symbol defined elsewhere.
func (b *Builder) Undefined(name string) int {
	return b.Symbol(name, elf.SHN_UNDEF, 0, 0, elf.STB_GLOBAL, elf.STT_NOTYPE)
}

// Reloc adds a RELA entry against section shndx.
func (b *Builder) Reloc(shndx elf.SectionIndex, off uint64, typ elf.R_RISCV, sym int, addend int64) {
	s := &b.sections[shndx-1]
	s.relocs = append(s.relocs, rela{off: off, typ: typ, sym: sym, addend: addend})
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

type header struct {
	name   uint32
	typ    elf.SectionType
	flags  elf.SectionFlag
	offset uint64
	size   uint64
	link   uint32
	info   uint32
	align  uint64
	entry  uint64
}

// Bytes serializes the object.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	// Locals must precede globals in the symbol table.
	order := make([]int, len(b.symbols))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return b.symbols[order[i]].bind == elf.STB_LOCAL && b.symbols[order[j]].bind != elf.STB_LOCAL
	})
	newIndex := make([]int, len(b.symbols)+1)
	firstGlobal := len(order) + 1
	for pos, old := range order {
		newIndex[old+1] = pos + 1
		if b.symbols[old].bind != elf.STB_LOCAL && firstGlobal > pos+1 {
			firstGlobal = pos + 1
		}
	}

	shstr := newStrtab()
	str := newStrtab()
	out := make([]byte, elfHeaderSize)
	place := func(data []byte, align uint64) uint64 {
		if align > 1 {
			for uint64(len(out))%align != 0 {
				out = append(out, 0)
			}
		}
		off := uint64(len(out))
		out = append(out, data...)
		return off
	}

	headers := []header{{}}
	for _, s := range b.sections {
		h := header{name: shstr.add(s.name), typ: s.typ, flags: s.flags, size: s.size, align: s.align}
		if s.typ == elf.SHT_NOBITS {
			h.offset = uint64(len(out))
		} else {
			h.offset = place(s.data, s.align)
		}
		headers = append(headers, h)
	}

	symtabIndex := uint32(len(b.sections) + 1)
	for i := range b.sections {
		if len(b.sections[i].relocs) == 0 {
			continue
		}
		symtabIndex++
	}

	for i, s := range b.sections {
		if len(s.relocs) == 0 {
			continue
		}
		var data []byte
		for _, r := range s.relocs {
			var ent [relaSize]byte
			le.PutUint64(ent[0:], r.off)
			le.PutUint64(ent[8:], elf.R_INFO(uint32(newIndex[r.sym]), uint32(r.typ)))
			le.PutUint64(ent[16:], uint64(r.addend))
			data = append(data, ent[:]...)
		}
		headers = append(headers, header{
			name:   shstr.add(".rela" + s.name),
			typ:    elf.SHT_RELA,
			flags:  elf.SHF_INFO_LINK,
			offset: place(data, 8),
			size:   uint64(len(data)),
			link:   symtabIndex,
			info:   uint32(i + 1),
			align:  8,
			entry:  relaSize,
		})
	}

	symtab := make([]byte, symbolSize)
	for _, old := range order {
		sym := b.symbols[old]
		var ent [symbolSize]byte
		le.PutUint32(ent[0:], str.add(sym.name))
		ent[4] = elf.ST_INFO(sym.bind, sym.typ)
		le.PutUint16(ent[6:], uint16(sym.section))
		le.PutUint64(ent[8:], sym.value)
		le.PutUint64(ent[16:], sym.size)
		symtab = append(symtab, ent[:]...)
	}
	headers = append(headers, header{
		name:   shstr.add(".symtab"),
		typ:    elf.SHT_SYMTAB,
		offset: place(symtab, 8),
		size:   uint64(len(symtab)),
		link:   symtabIndex + 1,
		info:   uint32(firstGlobal),
		align:  8,
		entry:  symbolSize,
	})
	headers = append(headers, header{
		name:   shstr.add(".strtab"),
		typ:    elf.SHT_STRTAB,
		offset: place(str.data, 1),
		size:   uint64(len(str.data)),
		align:  1,
	})
	shstrName := shstr.add(".shstrtab")
	headers = append(headers, header{
		name:   shstrName,
		typ:    elf.SHT_STRTAB,
		offset: place(shstr.data, 1),
		size:   uint64(len(shstr.data)),
		align:  1,
	})

	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	shoff := uint64(len(out))
	for _, h := range headers {
		var ent [sectionHeaderSize]byte
		le.PutUint32(ent[0:], h.name)
		le.PutUint32(ent[4:], uint32(h.typ))
		le.PutUint64(ent[8:], uint64(h.flags))
		le.PutUint64(ent[24:], h.offset)
		le.PutUint64(ent[32:], h.size)
		le.PutUint32(ent[40:], h.link)
		le.PutUint32(ent[44:], h.info)
		le.PutUint64(ent[48:], h.align)
		le.PutUint64(ent[56:], h.entry)
		out = append(out, ent[:]...)
	}

	hdr := out[:elfHeaderSize]
	copy(hdr, elf.ELFMAG)
	hdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(hdr[16:], uint16(elf.ET_REL))
	le.PutUint16(hdr[18:], uint16(elf.EM_RISCV))
	le.PutUint32(hdr[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(hdr[40:], shoff)
	le.PutUint32(hdr[48:], b.Flags)
	le.PutUint16(hdr[52:], elfHeaderSize)
	le.PutUint16(hdr[58:], sectionHeaderSize)
	le.PutUint16(hdr[60:], uint16(len(headers)))
	le.PutUint16(hdr[62:], uint16(len(headers)-1))
	return out
}
