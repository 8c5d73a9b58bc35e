// Package layout describes where each category of kernel content lands in a
// statically linked image and places compiled fragments according to that
// description.
package layout

import (
	"fmt"
	"math/bits"
)

// Kind classifies the content a region holds.
type Kind int

const (
	KindCode Kind = iota
	KindROData
	KindData
	KindZeroData
)

var kindNames = map[Kind]string{
	KindCode:     "code",
	KindROData:   "rodata",
	KindData:     "data",
	KindZeroData: "bss",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// FileBacked reports whether regions of this kind occupy bytes in the image.
func (k Kind) FileBacked() bool { return k != KindZeroData }

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown region kind %d", int(k))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	switch string(text) {
	case "text":
		*k = KindCode
	case "zero", "zerodata":
		*k = KindZeroData
	default:
		return fmt.Errorf("unknown region kind %q", text)
	}
	return nil
}

// Input selects the fragments that make up one part of a region. Inputs are
// filled in declaration order; the symbols in Start and End are bound to the
// cursor immediately before and after the input's fragments.
type Input struct {
	// Files is a glob over the object name. Empty matches every object.
	Files string `yaml:"files,omitempty"`
	// Patterns are globs over the input section name.
	Patterns []string `yaml:"patterns"`
	Start    []string `yaml:"start,omitempty"`
	End      []string `yaml:"end,omitempty"`
	// Stack marks a reservation for the startup stack. Stack inputs must be
	// placed before any other zero-initialized content.
	Stack bool `yaml:"stack,omitempty"`
}

// Region is one named, contiguous span of the image.
type Region struct {
	Name string `yaml:"name"`
	Kind Kind   `yaml:"kind"`
	// Align is the required start alignment in bytes. Zero means 1.
	Align Size `yaml:"align,omitempty"`
	// Address pins the region start. Zero lets the region follow the cursor.
	Address Size     `yaml:"address,omitempty"`
	Start   []string `yaml:"start,omitempty"`
	End     []string `yaml:"end,omitempty"`
	Inputs  []Input  `yaml:"inputs"`
}

func (r Region) alignment() uint64 {
	if r.Align == 0 {
		return 1
	}
	return uint64(r.Align)
}

// Window is the backing memory the image must fit in.
type Window struct {
	Origin Size `yaml:"origin"`
	Length Size `yaml:"length"`
}

// End returns the first address past the window.
func (w Window) End() uint64 { return uint64(w.Origin) + uint64(w.Length) }

// Descriptor is the complete, ordered layout of one image.
type Descriptor struct {
	Name     string `yaml:"name,omitempty"`
	Base     Size   `yaml:"base"`
	Entry    string `yaml:"entry,omitempty"`
	PageSize Size   `yaml:"pageSize,omitempty"`
	// Memory bounds the image when set.
	Memory     *Window  `yaml:"memory,omitempty"`
	ImageStart []string `yaml:"imageStart,omitempty"`
	ImageEnd   []string `yaml:"imageEnd,omitempty"`
	// Discard lists section globs that are dropped without being reported.
	Discard []string `yaml:"discard,omitempty"`
	Regions []Region `yaml:"regions"`
}

func (d Descriptor) pageSize() uint64 {
	if d.PageSize == 0 {
		return DefaultPageSize
	}
	return uint64(d.PageSize)
}

func isPowerOfTwo(v uint64) bool { return v != 0 && bits.OnesCount64(v) == 1 }

// Validate performs the checks that do not depend on any content.
func (d Descriptor) Validate() error {
	if len(d.Regions) == 0 {
		return &Error{Kind: ErrInvalidDescriptor, Detail: "no regions declared"}
	}
	if !isPowerOfTwo(d.pageSize()) {
		return &Error{Kind: ErrAlignment, Detail: fmt.Sprintf("page size %#x is not a power of two", d.pageSize())}
	}
	if d.Memory != nil {
		if d.Memory.Length == 0 {
			return &Error{Kind: ErrInvalidDescriptor, Detail: "memory window has zero length"}
		}
		if uint64(d.Base) < uint64(d.Memory.Origin) || uint64(d.Base) >= d.Memory.End() {
			return &Error{Kind: ErrMemoryOverflow, Detail: fmt.Sprintf("base %#x outside memory window [%#x, %#x)", uint64(d.Base), uint64(d.Memory.Origin), d.Memory.End())}
		}
	}

	seenRegions := make(map[string]bool)
	seenSymbols := make(map[string]bool)
	declare := func(region string, names []string) error {
		for _, name := range names {
			if name == "" {
				return regionError(ErrInvalidDescriptor, region, "empty symbol name")
			}
			if seenSymbols[name] {
				return symbolError(ErrDuplicateSymbol, name, "declared more than once")
			}
			seenSymbols[name] = true
		}
		return nil
	}
	if err := declare("", d.ImageStart); err != nil {
		return err
	}

	fixed := uint64(0)
	zeroSeen := false
	for i, r := range d.Regions {
		if r.Name == "" {
			return &Error{Kind: ErrInvalidDescriptor, Detail: fmt.Sprintf("region %d has no name", i)}
		}
		if seenRegions[r.Name] {
			return regionError(ErrInvalidDescriptor, r.Name, "declared more than once")
		}
		seenRegions[r.Name] = true

		if _, ok := kindNames[r.Kind]; !ok {
			return regionError(ErrInvalidDescriptor, r.Name, "unknown kind %d", int(r.Kind))
		}
		align := r.alignment()
		if !isPowerOfTwo(align) {
			return regionError(ErrAlignment, r.Name, "alignment %#x is not a power of two", align)
		}
		if r.Address != 0 {
			if uint64(r.Address)%align != 0 {
				return regionError(ErrAlignment, r.Name, "fixed address %#x is not aligned to %#x", uint64(r.Address), align)
			}
			if uint64(r.Address) < uint64(d.Base) || uint64(r.Address) < fixed {
				return regionError(ErrPlacementConflict, r.Name, "fixed address %#x overlaps earlier content", uint64(r.Address))
			}
			fixed = uint64(r.Address)
		} else if i == 0 && uint64(d.Base)%align != 0 {
			// Padding the first region would move the image start off the base.
			return regionError(ErrAlignment, r.Name, "alignment %#x incompatible with base address %#x", align, uint64(d.Base))
		}

		if err := declare(r.Name, r.Start); err != nil {
			return err
		}
		for j, in := range r.Inputs {
			if len(in.Patterns) == 0 {
				return regionError(ErrInvalidDescriptor, r.Name, "input %d has no patterns", j)
			}
			for _, pattern := range append([]string{in.Files}, in.Patterns...) {
				if err := checkPattern(pattern); err != nil {
					return regionError(ErrInvalidDescriptor, r.Name, "%v", err)
				}
			}
			if in.Stack && r.Kind != KindZeroData {
				return regionError(ErrInvalidDescriptor, r.Name, "stack input in %s region", r.Kind)
			}
			if r.Kind == KindZeroData {
				if in.Stack && zeroSeen {
					return regionError(ErrPlacementConflict, r.Name, "stack input %v must precede zero-initialized data", in.Patterns)
				}
				if !in.Stack {
					zeroSeen = true
				}
			}
			if err := declare(r.Name, in.Start); err != nil {
				return err
			}
			if err := declare(r.Name, in.End); err != nil {
				return err
			}
		}
		if err := declare(r.Name, r.End); err != nil {
			return err
		}
	}
	for _, pattern := range d.Discard {
		if err := checkPattern(pattern); err != nil {
			return &Error{Kind: ErrInvalidDescriptor, Detail: err.Error()}
		}
	}
	return declare("", d.ImageEnd)
}

// SymbolNames lists every symbol the descriptor exports, in placement order.
func (d Descriptor) SymbolNames() []string {
	var out []string
	out = append(out, d.ImageStart...)
	for _, r := range d.Regions {
		out = append(out, r.Start...)
		for _, in := range r.Inputs {
			out = append(out, in.Start...)
			out = append(out, in.End...)
		}
		out = append(out, r.End...)
	}
	return append(out, d.ImageEnd...)
}
