// Package link places relocatable objects with a layout descriptor and
// applies their RISC-V relocations to produce a flat kernel image.
package link

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/tinyrange/kimage/internal/elfobj"
	"github.com/tinyrange/kimage/internal/layout"
)

// floatABIMask covers EF_RISCV_FLOAT_ABI and EF_RISCV_RVE.
const floatABIMask = 0x6 | 0x8

var ErrABIMismatch = errors.New("objects use incompatible ABIs")

// Linker consumes objects and a layout descriptor.
type Linker struct {
	Layout layout.Descriptor
	Logger *slog.Logger

	// AllowOrphans leaves content matching no input out of the image with a
	// warning instead of failing.
	AllowOrphans bool
	// Strict fails when a fragment matches inputs of more than one region.
	Strict bool
}

// Result is a linked image.
type Result struct {
	Placement *layout.Placement
	// Image is the relocated file-backed content from the base address.
	Image []byte
	Entry uint64

	// Flags is the merged ELF e_flags of the inputs.
	Flags   uint32
	Objects int
	Relocs  int
}

func (l *Linker) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Link places every fragment of objs and applies their relocations. Lazy
// objects are linked only when they define a name the other linked objects
// reference.
func (l *Linker) Link(objs []*elfobj.Object) (*Result, error) {
	log := l.logger()
	objs = l.selectObjects(objs)
	if len(objs) == 0 {
		return nil, fmt.Errorf("no input objects")
	}

	flags, err := mergeFlags(objs)
	if err != nil {
		return nil, err
	}

	var (
		relocs []elfobj.Reloc
		abs    []layout.Symbol
	)
	for _, obj := range objs {
		relocs = append(relocs, obj.Relocs...)
		abs = append(abs, obj.Absolute...)
	}
	frags := mergeCommons(objs)

	p, err := layout.Place(l.Layout, frags, abs...)
	if err != nil {
		return nil, err
	}
	log.Debug("placed image",
		"base", fmt.Sprintf("%#x", p.Base()),
		"end", fmt.Sprintf("%#x", p.End()),
		"fragments", len(frags)-len(p.Orphans)-len(p.Discarded),
		"discarded", len(p.Discarded),
	)

	if len(p.Orphans) > 0 {
		names := fragmentNames(p.Orphans)
		if !l.AllowOrphans {
			return nil, &layout.Error{Kind: layout.ErrUnmatchedContent, Detail: strings.Join(names, ", ")}
		}
		for _, name := range names {
			log.Warn("dropping content matched by no region", "fragment", name)
		}
	}
	for _, a := range p.Ambiguous {
		if l.Strict {
			return nil, &layout.Error{
				Kind:   layout.ErrAmbiguousContent,
				Region: a.Regions[0],
				Detail: fmt.Sprintf("%s also matches %s", a.Fragment, strings.Join(a.Regions[1:], ", ")),
			}
		}
		log.Warn("content matches several regions; using the first", "fragment", a.Fragment.String(), "regions", a.Regions)
	}

	if err := checkUndefined(p, objs); err != nil {
		return nil, err
	}

	image := p.Bytes()
	rl := newRelocator(p, image)
	if err := rl.collectHi20(relocs); err != nil {
		return nil, err
	}
	applied := 0
	for _, r := range relocs {
		if _, ok := p.Address(r.Fragment); !ok {
			continue
		}
		if err := rl.apply(r); err != nil {
			return nil, err
		}
		applied++
	}
	log.Debug("applied relocations", "count", applied)

	return &Result{
		Placement: p,
		Image:     image,
		Entry:     p.Entry,
		Flags:     flags,
		Objects:   len(objs),
		Relocs:    applied,
	}, nil
}

// selectObjects keeps every eager object and then repeatedly scans the lazy
// ones in input order, taking each that defines a name still referenced and
// undefined, until a scan adds nothing. Weak references never pull in an
// object.
func (l *Linker) selectObjects(objs []*elfobj.Object) []*elfobj.Object {
	log := l.logger()
	chosen := make([]bool, len(objs))
	defined := make(map[string]bool)
	for _, name := range l.Layout.SymbolNames() {
		defined[name] = true
	}
	needed := make(map[string]bool)
	if l.Layout.Entry != "" {
		needed[l.Layout.Entry] = true
	}
	take := func(i int) {
		chosen[i] = true
		for _, name := range objs[i].Globals() {
			defined[name] = true
		}
		for _, name := range objs[i].Undefined {
			needed[name] = true
		}
	}

	for i, obj := range objs {
		if !obj.Lazy {
			take(i)
		}
	}
	for changed := true; changed; {
		changed = false
		for i, obj := range objs {
			if chosen[i] {
				continue
			}
			for _, name := range obj.Globals() {
				if needed[name] && !defined[name] {
					log.Debug("extracting archive member", "object", obj.Name, "symbol", name)
					take(i)
					changed = true
					break
				}
			}
		}
	}

	var out []*elfobj.Object
	for i, obj := range objs {
		if chosen[i] {
			out = append(out, obj)
		}
	}
	return out
}

// mergeCommons returns the fragments of objs with tentative definitions of
// one name folded into a single zero-fill fragment of the largest size and
// alignment. A strong definition of the name drops its tentative ones. Input
// fragments are never modified.
func mergeCommons(objs []*elfobj.Object) []*layout.Fragment {
	strong := make(map[string]bool)
	for _, obj := range objs {
		for _, sym := range obj.Absolute {
			if !sym.Weak {
				strong[sym.Name] = true
			}
		}
		for _, frag := range obj.Fragments {
			for _, label := range frag.Labels {
				if label.Global && !label.Common && !label.Weak {
					strong[label.Name] = true
				}
			}
		}
	}

	var frags []*layout.Fragment
	merged := make(map[string]*layout.Fragment)
	for _, obj := range objs {
		for _, frag := range obj.Fragments {
			if len(frag.Labels) != 1 || !frag.Labels[0].Common {
				frags = append(frags, frag)
				continue
			}
			label := frag.Labels[0]
			if strong[label.Name] {
				continue
			}
			m, ok := merged[label.Name]
			if !ok {
				m = layout.NewZeroFragment(frag.Object, frag.Section, frag.Size)
				m.Align = frag.Align
				m.Labels = []layout.Label{label}
				merged[label.Name] = m
				frags = append(frags, m)
				continue
			}
			if frag.Size > m.Size {
				m.Size = frag.Size
				m.Labels[0].Size = frag.Size
			}
			if frag.Align > m.Align {
				m.Align = frag.Align
			}
		}
	}
	return frags
}

// checkUndefined reports the first strong reference no object or boundary
// symbol satisfies.
func checkUndefined(p *layout.Placement, objs []*elfobj.Object) error {
	var missing []string
	from := make(map[string]string)
	for _, obj := range objs {
		for _, name := range obj.Undefined {
			if _, ok := p.Lookup(name); ok {
				continue
			}
			if _, dup := from[name]; !dup {
				from[name] = obj.Name
				missing = append(missing, name)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	detail := fmt.Sprintf("referenced from %s", from[missing[0]])
	if len(missing) > 1 {
		detail += fmt.Sprintf(" (and %d more: %s)", len(missing)-1, strings.Join(missing[1:], ", "))
	}
	return &layout.Error{Kind: layout.ErrUnresolvedSymbol, Symbol: missing[0], Detail: detail}
}

func mergeFlags(objs []*elfobj.Object) (uint32, error) {
	flags := objs[0].Flags
	for _, obj := range objs[1:] {
		if obj.Flags&floatABIMask != flags&floatABIMask {
			return 0, fmt.Errorf("%w: %s has flags %#x, %s has %#x", ErrABIMismatch, objs[0].Name, flags, obj.Name, obj.Flags)
		}
		flags |= obj.Flags
	}
	return flags, nil
}

func fragmentNames(frags []*layout.Fragment) []string {
	names := make([]string, len(frags))
	for i, f := range frags {
		names[i] = f.String()
	}
	return names
}
