package layout

const (
	// KernelBase is where OpenSBI jumps after machine-mode setup. The boot
	// loader must be configured with the same address.
	KernelBase uint64 = 0x80200000

	// RAMBase and RAMSize describe the qemu virt DRAM window the kernel runs in.
	RAMBase uint64 = 0x80000000
	RAMSize uint64 = 128 << 20

	DefaultPageSize uint64 = 0x1000

	// EntrySymbol is the first instruction executed after the firmware hand-off.
	EntrySymbol = "_start"
)

// Kernel returns the built-in kernel image layout.
//
// Startup code relies on the exported names: it switches to boot_stack_top,
// zeroes [sbss, ebss) before touching global state and sizes the image with
// [skernel, ekernel). The stack input sits ahead of sbss so zeroing never
// clobbers the active stack.
func Kernel() Descriptor {
	return Descriptor{
		Name:     "kernel",
		Base:     Size(KernelBase),
		Entry:    EntrySymbol,
		PageSize: Size(DefaultPageSize),
		Memory: &Window{
			Origin: Size(RAMBase),
			Length: Size(RAMSize),
		},
		ImageStart: []string{"skernel", "_skernel"},
		ImageEnd:   []string{"ekernel", "_ekernel", "end"},
		Discard:    []string{".eh_frame", ".eh_frame_hdr", ".eh_frame.*"},
		Regions: []Region{
			{
				Name:  ".text",
				Kind:  KindCode,
				Align: Size(DefaultPageSize),
				Start: []string{"stext"},
				End:   []string{"etext"},
				Inputs: []Input{
					{Patterns: []string{".text.entry"}},
					{Patterns: []string{".text", ".text.*"}},
				},
			},
			{
				Name:  ".rodata",
				Kind:  KindROData,
				Align: Size(DefaultPageSize),
				Start: []string{"srodata"},
				End:   []string{"erodata"},
				Inputs: []Input{
					{Patterns: []string{".rodata", ".rodata.*", ".srodata", ".srodata.*"}},
				},
			},
			{
				Name:  ".data",
				Kind:  KindData,
				Align: Size(DefaultPageSize),
				Start: []string{"sdata"},
				End:   []string{"edata"},
				Inputs: []Input{
					// Content that must be resident in physical pages before
					// general data.
					{Patterns: []string{".data.prepage"}},
					{Patterns: []string{".data", ".data.*", ".sdata", ".sdata.*"}},
				},
			},
			{
				Name:  ".bss",
				Kind:  KindZeroData,
				Align: Size(DefaultPageSize),
				End:   []string{"ebss", "_ebss"},
				Inputs: []Input{
					{
						Patterns: []string{".bss.stack"},
						Start:    []string{"boot_stack"},
						End:      []string{"boot_stack_top"},
						Stack:    true,
					},
					{
						Patterns: []string{".bss", ".bss.*", ".sbss", ".sbss.*"},
						Start:    []string{"sbss", "_sbss"},
					},
				},
			},
		},
	}
}
