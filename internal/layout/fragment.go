package layout

// Label is a name defined at an offset inside a fragment.
type Label struct {
	Name   string
	Offset uint64
	Size   uint64
	// Global labels are exported through the symbol table; local labels only
	// serve relocations within their own object.
	Global bool
	Weak   bool
	// Common marks a tentative definition. Tentative definitions of one name
	// merge into a single allocation and yield to a real definition.
	Common bool
}

// Fragment is one compiled input section.
type Fragment struct {
	Object  string
	Section string
	// Data holds the section contents. It is nil for zero-fill content.
	Data []byte
	// Size is the length in bytes. For file-backed content it equals len(Data).
	Size  uint64
	Align uint64
	// ZeroFill marks content that occupies address space but no file bytes.
	ZeroFill bool
	Labels   []Label
}

// NewFragment returns a file-backed fragment holding data.
func NewFragment(object, section string, data []byte) *Fragment {
	return &Fragment{
		Object:  object,
		Section: section,
		Data:    data,
		Size:    uint64(len(data)),
		Align:   1,
	}
}

// NewZeroFragment returns a zero-fill fragment of the given size.
func NewZeroFragment(object, section string, size uint64) *Fragment {
	return &Fragment{
		Object:   object,
		Section:  section,
		Size:     size,
		Align:    1,
		ZeroFill: true,
	}
}

func (f *Fragment) alignment() uint64 {
	if f.Align == 0 {
		return 1
	}
	return f.Align
}

func (f *Fragment) String() string {
	if f.Object == "" {
		return f.Section
	}
	return f.Object + "(" + f.Section + ")"
}
