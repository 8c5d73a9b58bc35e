package layout

import (
	"bufio"
	"fmt"
	"io"
)

// WriteMap writes a human readable link map of p: regions with their padding
// and fragments, followed by the symbol table in address order.
func WriteMap(w io.Writer, p *Placement) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "image %s base %#x entry %#x end %#x (%d bytes, %d file bytes)\n",
		p.Descriptor.Name, p.Base(), p.Entry, p.End(), p.Footprint(), p.FileEnd()-p.Base())
	if start, size, ok := p.FreeMemory(); ok {
		fmt.Fprintf(bw, "free memory %#x-%#x (%d KiB)\n", start, start+size, size/1024)
	}

	fmt.Fprintf(bw, "\n%-12s %-8s %-18s %-18s %10s %8s\n", "region", "kind", "start", "end", "size", "padding")
	for _, r := range p.Regions {
		fmt.Fprintf(bw, "%-12s %-8s %#-18x %#-18x %10d %8d\n",
			r.Region.Name, r.Region.Kind, r.Start, r.End, r.Size(), r.Padding)
		for _, pf := range r.Fragments {
			fmt.Fprintf(bw, "    %#-18x %8d  %s\n", pf.Addr, pf.Fragment.Size, pf.Fragment)
		}
	}

	if len(p.Discarded) > 0 {
		fmt.Fprintf(bw, "\ndiscarded\n")
		for _, frag := range p.Discarded {
			fmt.Fprintf(bw, "    %8d  %s\n", frag.Size, frag)
		}
	}
	if len(p.Orphans) > 0 {
		fmt.Fprintf(bw, "\norphans\n")
		for _, frag := range p.Orphans {
			fmt.Fprintf(bw, "    %8d  %s\n", frag.Size, frag)
		}
	}

	fmt.Fprintf(bw, "\nsymbols\n")
	for _, sym := range p.Symbols.Sorted() {
		fmt.Fprintf(bw, "    %#-18x %-13s %s\n", sym.Value, sym.Kind, sym.Name)
	}
	return bw.Flush()
}
