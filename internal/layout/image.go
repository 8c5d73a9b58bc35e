package layout

// Base returns the address of the first byte of the image.
func (p *Placement) Base() uint64 { return uint64(p.Descriptor.Base) }

// End returns the page-aligned address past the image.
func (p *Placement) End() uint64 { return p.end }

// Footprint returns the number of bytes between the base and the image end.
func (p *Placement) Footprint() uint64 { return p.end - p.Base() }

// FileEnd returns the address past the last file-backed byte. Zero-data
// regions at the tail of the image take no file space.
func (p *Placement) FileEnd() uint64 {
	end := p.Base()
	for _, r := range p.Regions {
		if r.Region.Kind.FileBacked() && r.Size() > 0 && r.End > end {
			end = r.End
		}
	}
	return end
}

// Bytes returns the flat binary image from the base address to FileEnd.
func (p *Placement) Bytes() []byte {
	return append([]byte(nil), p.image...)
}

func (p *Placement) render() []byte {
	base := p.Base()
	img := make([]byte, p.FileEnd()-base)
	for _, r := range p.Regions {
		if !r.Region.Kind.FileBacked() {
			continue
		}
		for _, pf := range r.Fragments {
			if pf.Fragment.ZeroFill {
				continue
			}
			copy(img[pf.Addr-base:], pf.Fragment.Data)
		}
	}
	return img
}

// Lookup resolves a symbol by name.
func (p *Placement) Lookup(name string) (uint64, bool) {
	sym, ok := p.Symbols.Lookup(name)
	return sym.Value, ok
}

// Address returns where frag was placed. Orphaned and discarded fragments
// have no address.
func (p *Placement) Address(frag *Fragment) (uint64, bool) {
	addr, ok := p.addrs[frag]
	return addr, ok
}

// Region returns the placed region called name.
func (p *Placement) Region(name string) (PlacedRegion, bool) {
	for _, r := range p.Regions {
		if r.Region.Name == name {
			return r, true
		}
	}
	return PlacedRegion{}, false
}

// RegionOf returns the placed region containing addr.
func (p *Placement) RegionOf(addr uint64) (PlacedRegion, bool) {
	for _, r := range p.Regions {
		if addr >= r.Start && addr < r.End {
			return r, true
		}
	}
	return PlacedRegion{}, false
}

// FreeMemory returns the part of the memory window after the image, which the
// kernel hands to its page frame allocator. ok is false without a window.
func (p *Placement) FreeMemory() (start, size uint64, ok bool) {
	w := p.Descriptor.Memory
	if w == nil {
		return 0, 0, false
	}
	if p.end >= w.End() {
		return p.end, 0, true
	}
	return p.end, w.End() - p.end, true
}
