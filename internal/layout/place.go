package layout

import (
	"fmt"
)

// PlacedFragment is a fragment together with its absolute address.
type PlacedFragment struct {
	Fragment *Fragment
	Addr     uint64
	// Input is the index of the input statement that selected the fragment.
	Input int
}

// End returns the address past the fragment.
func (p PlacedFragment) End() uint64 { return p.Addr + p.Fragment.Size }

// PlacedRegion is a region with concrete bounds.
type PlacedRegion struct {
	Region Region
	Start  uint64
	End    uint64
	// Padding is the gap between the previous cursor and Start. It belongs to
	// no region.
	Padding   uint64
	Fragments []PlacedFragment
}

// Size returns the number of bytes in the region.
func (r PlacedRegion) Size() uint64 { return r.End - r.Start }

// Ambiguity records a fragment selected by more than one region.
type Ambiguity struct {
	Fragment *Fragment
	Regions  []string
}

// Placement is the immutable result of the placement pass.
type Placement struct {
	Descriptor Descriptor
	Regions    []PlacedRegion
	Symbols    *SymbolTable
	// Entry is the resolved entry address.
	Entry uint64
	// Orphans matched no input and were left out of the image.
	Orphans []*Fragment
	// Discarded matched a discard pattern.
	Discarded []*Fragment
	Ambiguous []Ambiguity

	end   uint64
	addrs map[*Fragment]uint64
	image []byte
}

type placer struct {
	d      Descriptor
	cursor uint64
	syms   *SymbolTable
	slots  [][][]*Fragment
	addrs  map[*Fragment]uint64
}

// Place lays out frags according to d. It is deterministic: identical inputs
// produce an identical image and symbol table. abs holds absolute symbols
// defined by the inputs; they are entered before any boundary symbol. On error
// no placement is returned.
func Place(d Descriptor, frags []*Fragment, abs ...Symbol) (*Placement, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	p := &placer{
		d:      d,
		cursor: uint64(d.Base),
		syms:   newSymbolTable(),
		addrs:  make(map[*Fragment]uint64),
	}
	out := &Placement{Descriptor: d}

	p.slots = make([][][]*Fragment, len(d.Regions))
	for i, r := range d.Regions {
		p.slots[i] = make([][]*Fragment, len(r.Inputs))
	}
	seen := make(map[*Fragment]bool)
	for _, frag := range frags {
		if frag == nil || seen[frag] {
			continue
		}
		seen[frag] = true
		if frag.Section == "" {
			return nil, fmt.Errorf("%w: %s", errFragmentWithoutSec, frag.Object)
		}
		if !frag.ZeroFill && uint64(len(frag.Data)) != frag.Size {
			return nil, &Error{Kind: ErrInvalidDescriptor, Detail: fmt.Sprintf("fragment %s has %d bytes but size %d", frag, len(frag.Data), frag.Size)}
		}
		if !isPowerOfTwo(frag.alignment()) {
			return nil, &Error{Kind: ErrAlignment, Detail: fmt.Sprintf("fragment %s alignment %#x is not a power of two", frag, frag.alignment())}
		}
		if d.discards(frag) {
			out.Discarded = append(out.Discarded, frag)
			continue
		}
		region, input, others := d.selectFragment(frag)
		if region < 0 {
			out.Orphans = append(out.Orphans, frag)
			continue
		}
		if len(others) > 0 {
			out.Ambiguous = append(out.Ambiguous, Ambiguity{
				Fragment: frag,
				Regions:  append([]string{d.Regions[region].Name}, others...),
			})
		}
		p.slots[region][input] = append(p.slots[region][input], frag)
	}

	for _, sym := range abs {
		sym.Kind = SymbolAbsolute
		sym.Region = ""
		if err := p.syms.define(sym); err != nil {
			return nil, err
		}
	}
	if err := p.emit(d.ImageStart, SymbolImageStart, ""); err != nil {
		return nil, err
	}
	for i := range d.Regions {
		placed, err := p.placeRegion(i)
		if err != nil {
			return nil, err
		}
		out.Regions = append(out.Regions, placed)
	}

	end, ok := alignUp(p.cursor, d.pageSize())
	if !ok {
		return nil, errCursorOverflow
	}
	p.cursor = end
	if err := p.emit(d.ImageEnd, SymbolImageEnd, ""); err != nil {
		return nil, err
	}
	if d.Memory != nil && end > d.Memory.End() {
		return nil, &Error{Kind: ErrMemoryOverflow, Detail: fmt.Sprintf("image end %#x beyond window end %#x", end, d.Memory.End())}
	}

	out.Entry = uint64(d.Base)
	if d.Entry != "" {
		sym, ok := p.syms.Lookup(d.Entry)
		if !ok {
			return nil, symbolError(ErrUnresolvedSymbol, d.Entry, "entry point is never defined")
		}
		out.Entry = sym.Value
	}

	out.Symbols = p.syms
	out.end = end
	out.addrs = p.addrs
	out.image = out.render()
	return out, nil
}

// selectFragment returns the first region and input matching frag, followed by
// the names of later regions that would also have taken it.
func (d Descriptor) selectFragment(frag *Fragment) (int, int, []string) {
	region, input := -1, -1
	var others []string
	for i, r := range d.Regions {
		for j, in := range r.Inputs {
			if !in.Matches(frag) {
				continue
			}
			if region < 0 {
				region, input = i, j
			} else if i != region {
				others = append(others, r.Name)
			}
			break
		}
	}
	return region, input, others
}

func (p *placer) placeRegion(i int) (PlacedRegion, error) {
	r := p.d.Regions[i]
	prev := p.cursor

	if r.Address != 0 {
		if uint64(r.Address) < p.cursor {
			return PlacedRegion{}, regionError(ErrPlacementConflict, r.Name, "fixed address %#x overlaps content ending at %#x", uint64(r.Address), p.cursor)
		}
		p.cursor = uint64(r.Address)
	}
	start, ok := alignUp(p.cursor, r.alignment())
	if !ok {
		return PlacedRegion{}, errCursorOverflow
	}
	p.cursor = start

	placed := PlacedRegion{Region: r, Start: start, Padding: start - prev}
	if err := p.emit(r.Start, SymbolRegionStart, r.Name); err != nil {
		return PlacedRegion{}, err
	}
	for j, in := range r.Inputs {
		if err := p.emit(in.Start, SymbolInputStart, r.Name); err != nil {
			return PlacedRegion{}, err
		}
		for _, frag := range p.slots[i][j] {
			// Zero-fill content in a file-backed region is written out as zeros.
			if !frag.ZeroFill && !r.Kind.FileBacked() && !allZero(frag.Data) {
				return PlacedRegion{}, regionError(ErrPlacementConflict, r.Name, "fragment %s carries initialized data", frag)
			}
			addr, ok := alignUp(p.cursor, frag.alignment())
			if !ok || addr+frag.Size < addr {
				return PlacedRegion{}, errCursorOverflow
			}
			p.addrs[frag] = addr
			placed.Fragments = append(placed.Fragments, PlacedFragment{Fragment: frag, Addr: addr, Input: j})
			p.cursor = addr + frag.Size
			for _, label := range frag.Labels {
				if !label.Global {
					continue
				}
				if err := p.syms.define(Symbol{
					Name:   label.Name,
					Value:  addr + label.Offset,
					Size:   label.Size,
					Kind:   SymbolObject,
					Region: r.Name,
					Weak:   label.Weak,
				}); err != nil {
					return PlacedRegion{}, err
				}
			}
		}
		if err := p.emit(in.End, SymbolInputEnd, r.Name); err != nil {
			return PlacedRegion{}, err
		}
	}
	placed.End = p.cursor
	if err := p.emit(r.End, SymbolRegionEnd, r.Name); err != nil {
		return PlacedRegion{}, err
	}
	return placed, nil
}

func (p *placer) emit(names []string, kind SymbolKind, region string) error {
	for _, name := range names {
		if err := p.syms.define(Symbol{Name: name, Value: p.cursor, Kind: kind, Region: region}); err != nil {
			return err
		}
	}
	return nil
}

func alignUp(v, align uint64) (uint64, bool) {
	if align <= 1 {
		return v, true
	}
	out := (v + align - 1) &^ (align - 1)
	return out, out >= v
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
