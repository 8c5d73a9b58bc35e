package link

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/kimage/internal/elfobj"
	"github.com/tinyrange/kimage/internal/elfobj/objtest"
	"github.com/tinyrange/kimage/internal/layout"
)

const (
	// absValue is the SHN_ABS symbol "abs" every site object defines.
	absValue = 0x12345
	// targetOffset is where the global "target" sits in .text.entry, so
	// PC-relative sites at offset 0 resolve to +0x40.
	targetOffset = 0x40
)

type siteReloc struct {
	off    uint64
	typ    elf.R_RISCV
	sym    string // "abs", "target" or ".Lhi"
	addend int64
}

// linkSite links one object whose .text.entry starts with site and returns
// the relocated bytes covering it.
func linkSite(t *testing.T, site []byte, relocs ...siteReloc) ([]byte, error) {
	t.Helper()
	content := make([]byte, targetOffset+8)
	copy(content, site)

	b := objtest.New()
	text := b.Text(".text.entry", 4, content)
	b.Global("_start", text, 0)
	syms := map[string]int{
		"abs":    b.Symbol("abs", elf.SHN_ABS, absValue, 0, elf.STB_GLOBAL, elf.STT_NOTYPE),
		"target": b.Global("target", text, targetOffset),
		".Lhi":   b.Local(".Lhi", text, 0),
	}
	for _, r := range relocs {
		b.Reloc(text, r.off, r.typ, syms[r.sym], r.addend)
	}
	obj, err := elfobj.Read("site.o", bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("read site.o: %v", err)
	}

	l := &Linker{Layout: layout.Kernel(), Logger: quiet(), Strict: true}
	res, err := l.Link([]*elfobj.Object{obj})
	if err != nil {
		return nil, err
	}
	return res.Image[:len(site)], nil
}

func u16(v uint16) []byte { return binary.LittleEndian.AppendUint16(nil, v) }
func u32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
func u64(v uint64) []byte { return binary.LittleEndian.AppendUint64(nil, v) }

func TestRelocationKinds(t *testing.T) {
	for _, tc := range []struct {
		name   string
		site   []byte
		relocs []siteReloc
		want   []byte
	}{
		// lui a0, 0
		{"HI20", u32(0x00000537), []siteReloc{{0, elf.R_RISCV_HI20, "abs", 0}}, u32(0x00012537)},
		// addi a0, a0, 0
		{"LO12_I", u32(0x00050513), []siteReloc{{0, elf.R_RISCV_LO12_I, "abs", 0}}, u32(0x34550513)},
		// sd a1, 0(a0)
		{"LO12_S", u32(0x00b53023), []siteReloc{{0, elf.R_RISCV_LO12_S, "abs", 0}}, u32(0x34b532a3)},
		{
			"PCREL_LO12_S",
			append(u32(0x00000517), u32(0x00b53023)...), // auipc a0, 0; sd a1, 0(a0)
			[]siteReloc{
				{0, elf.R_RISCV_PCREL_HI20, "target", 0},
				{4, elf.R_RISCV_PCREL_LO12_S, ".Lhi", 0},
			},
			append(u32(0x00000517), u32(0x04b53023)...),
		},
		// beq a0, a1, 0
		{"BRANCH", u32(0x00b50063), []siteReloc{{0, elf.R_RISCV_BRANCH, "target", 0}}, u32(0x04b50063)},
		// jal ra, 0
		{"JAL", u32(0x000000ef), []siteReloc{{0, elf.R_RISCV_JAL, "target", 0}}, u32(0x040000ef)},
		// c.j 0
		{"RVC_JUMP", u16(0xa001), []siteReloc{{0, elf.R_RISCV_RVC_JUMP, "target", 0}}, u16(0xa081)},
		// c.beqz a0, 0
		{"RVC_BRANCH", u16(0xc101), []siteReloc{{0, elf.R_RISCV_RVC_BRANCH, "target", 0}}, u16(0xc121)},
		{"32", u32(0), []siteReloc{{0, elf.R_RISCV_32, "abs", 1}}, u32(absValue + 1)},
		{"32_PCREL", u32(0), []siteReloc{{0, elf.R_RISCV_32_PCREL, "target", 0}}, u32(targetOffset)},
		{"64", u64(0), []siteReloc{{0, elf.R_RISCV_64, "target", 8}}, u64(layout.KernelBase + targetOffset + 8)},

		{"ADD8", []byte{0x10}, []siteReloc{{0, elf.R_RISCV_ADD8, "abs", 0}}, []byte{0x55}},
		{"ADD16", u16(0x100), []siteReloc{{0, elf.R_RISCV_ADD16, "abs", 0}}, u16(0x2445)},
		{"ADD32", u32(1), []siteReloc{{0, elf.R_RISCV_ADD32, "abs", 0}}, u32(0x12346)},
		{"ADD64", u64(0x1000), []siteReloc{{0, elf.R_RISCV_ADD64, "abs", 0}}, u64(0x13345)},
		{"SUB6", []byte{0xc5}, []siteReloc{{0, elf.R_RISCV_SUB6, "abs", 0}}, []byte{0xc0}},
		{"SUB8", []byte{0x50}, []siteReloc{{0, elf.R_RISCV_SUB8, "abs", 0}}, []byte{0x0b}},
		{"SUB16", u16(0), []siteReloc{{0, elf.R_RISCV_SUB16, "abs", 0}}, u16(0xdcbb)},
		{"SUB32", u32(0x20000), []siteReloc{{0, elf.R_RISCV_SUB32, "abs", 0}}, u32(0xdcbb)},
		{"SUB64", u64(layout.KernelBase + 0x50), []siteReloc{{0, elf.R_RISCV_SUB64, "target", 0}}, u64(0x10)},
		{"SET6", []byte{0xc0}, []siteReloc{{0, elf.R_RISCV_SET6, "abs", 0}}, []byte{0xc5}},
		{"SET8", []byte{0}, []siteReloc{{0, elf.R_RISCV_SET8, "abs", 0}}, []byte{0x45}},
		{"SET16", u16(0), []siteReloc{{0, elf.R_RISCV_SET16, "abs", 0}}, u16(0x2345)},
		{"SET32", u32(0), []siteReloc{{0, elf.R_RISCV_SET32, "abs", 0}}, u32(absValue)},

		// A label difference: .word target - abs
		{
			"ADD32/SUB32",
			u32(0),
			[]siteReloc{
				{0, elf.R_RISCV_ADD32, "target", 0},
				{0, elf.R_RISCV_SUB32, "abs", 0},
			},
			u32(uint32(layout.KernelBase + targetOffset - absValue)),
		},
		{"ALIGN satisfied", u16(0), []siteReloc{{2, elf.R_RISCV_ALIGN, "", 6}}, u16(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := linkSite(t, tc.site, tc.relocs...)
			if err != nil {
				t.Fatalf("Link failed: %v", err)
			}
			if !bytes.Equal(got, tc.want) {
				t.Errorf("site = %x, want %x", got, tc.want)
			}
		})
	}
}

func TestRelocationErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		reloc  siteReloc
		target error
		detail string
	}{
		{"misaligned ALIGN", siteReloc{0, elf.R_RISCV_ALIGN, "", 6}, nil, "-mno-relax"},
		{"TLS_GOT_HI20", siteReloc{0, elf.R_RISCV_TLS_GOT_HI20, "target", 0}, ErrUnsupportedRelocation, "R_RISCV_TLS_GOT_HI20"},
		{"LO12 without HI20", siteReloc{0, elf.R_RISCV_PCREL_LO12_I, ".Lhi", 0}, nil, "without a PCREL_HI20"},
		{"32 overflow", siteReloc{0, elf.R_RISCV_32, "target", 1 << 32}, nil, "does not fit in 32 bits"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := linkSite(t, u32(0x00050513), tc.reloc)
			if err == nil {
				t.Fatalf("Link succeeded, want error")
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Errorf("Link = %v, want %v", err, tc.target)
			}
			if !strings.Contains(err.Error(), tc.detail) {
				t.Errorf("Link = %v, want mention of %q", err, tc.detail)
			}
		})
	}
}

func TestLinkAbsoluteSymbol(t *testing.T) {
	b := objtest.New()
	text := b.Text(".text.entry", 4, make([]byte, 8))
	b.Global("_start", text, 0)
	uart := b.Symbol("uart_base", elf.SHN_ABS, 0x10000000, 0, elf.STB_GLOBAL, elf.STT_NOTYPE)
	b.Reloc(text, 0, elf.R_RISCV_64, uart, 0)
	mmio := read(t, "mmio.o", b)

	user := objtest.New()
	data := user.Data(".data.uart", 8, make([]byte, 8))
	ref := user.Undefined("uart_base")
	user.Reloc(data, 0, elf.R_RISCV_64, ref, 4)

	l := &Linker{Layout: layout.Kernel(), Logger: quiet(), Strict: true}
	res, err := l.Link([]*elfobj.Object{mmio, read(t, "user.o", user)})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	sym, ok := res.Placement.Symbols.Lookup("uart_base")
	if !ok || sym.Kind != layout.SymbolAbsolute || sym.Value != 0x10000000 {
		t.Fatalf("uart_base = %+v (defined %v), want absolute 0x10000000", sym, ok)
	}
	if got, want := binary.LittleEndian.Uint64(res.Image), uint64(0x10000000); got != want {
		t.Errorf("text word = %#x, want %#x", got, want)
	}

	r, ok := res.Placement.Region(".data")
	if !ok {
		t.Fatalf(".data not placed")
	}
	off := r.Start - res.Placement.Base()
	if got, want := binary.LittleEndian.Uint64(res.Image[off:]), uint64(0x10000004); got != want {
		t.Errorf("data word = %#x, want %#x", got, want)
	}
}

func TestRelocationInZeroFillRegion(t *testing.T) {
	b := objtest.New()
	start := b.Global("_start", b.Text(".text.entry", 4, code(0x00000013)), 0)
	bss := b.NoBits(".bss.slot", 8, 8)
	b.Reloc(bss, 0, elf.R_RISCV_64, start, 0)

	l := &Linker{Layout: layout.Kernel(), Logger: quiet(), Strict: true}
	_, err := l.Link([]*elfobj.Object{read(t, "slot.o", b)})
	if err == nil || !strings.Contains(err.Error(), "region .bss has no file content") {
		t.Fatalf("Link = %v, want zero-fill region error", err)
	}
}
