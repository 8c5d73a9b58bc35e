package layout

import (
	"fmt"
	"sort"
)

// SymbolKind records why a symbol exists.
type SymbolKind int

const (
	SymbolImageStart SymbolKind = iota
	SymbolRegionStart
	SymbolInputStart
	SymbolInputEnd
	SymbolRegionEnd
	SymbolImageEnd
	// SymbolObject is a global label defined by a placed fragment.
	SymbolObject
	// SymbolAbsolute is a global an object defines with a fixed value.
	SymbolAbsolute
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolImageStart:
		return "image-start"
	case SymbolRegionStart:
		return "region-start"
	case SymbolInputStart:
		return "input-start"
	case SymbolInputEnd:
		return "input-end"
	case SymbolRegionEnd:
		return "region-end"
	case SymbolImageEnd:
		return "image-end"
	case SymbolObject:
		return "object"
	case SymbolAbsolute:
		return "absolute"
	default:
		return fmt.Sprintf("SymbolKind(%d)", int(k))
	}
}

// Boundary reports whether the symbol was declared by the descriptor.
func (k SymbolKind) Boundary() bool { return k < SymbolObject }

// Symbol binds a name to an absolute address.
type Symbol struct {
	Name   string
	Value  uint64
	Size   uint64
	Kind   SymbolKind
	Region string
	Weak   bool
}

// SymbolTable keeps symbols in the order they were defined.
type SymbolTable struct {
	symbols []Symbol
	index   map[string]int
}

func newSymbolTable() *SymbolTable {
	return &SymbolTable{index: make(map[string]int)}
}

func (t *SymbolTable) define(sym Symbol) error {
	if i, ok := t.index[sym.Name]; ok {
		prev := t.symbols[i]
		switch {
		case prev.Weak && !sym.Weak:
			t.symbols[i] = sym
			return nil
		case sym.Weak:
			return nil
		}
		return symbolError(ErrDuplicateSymbol, sym.Name, "already defined at %#x (%s)", prev.Value, prev.Kind)
	}
	t.index[sym.Name] = len(t.symbols)
	t.symbols = append(t.symbols, sym)
	return nil
}

// Lookup returns the symbol called name.
func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	if t == nil {
		return Symbol{}, false
	}
	i, ok := t.index[name]
	if !ok {
		return Symbol{}, false
	}
	return t.symbols[i], true
}

// Len returns the number of symbols.
func (t *SymbolTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.symbols)
}

// Symbols returns a copy of the table in definition order.
func (t *SymbolTable) Symbols() []Symbol {
	if t == nil {
		return nil
	}
	return append([]Symbol(nil), t.symbols...)
}

// Boundaries returns only the descriptor-declared symbols, in definition order.
func (t *SymbolTable) Boundaries() []Symbol {
	var out []Symbol
	for _, sym := range t.Symbols() {
		if sym.Kind.Boundary() {
			out = append(out, sym)
		}
	}
	return out
}

// Sorted returns the table ordered by address, then name.
func (t *SymbolTable) Sorted() []Symbol {
	out := t.Symbols()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value < out[j].Value
		}
		return out[i].Name < out[j].Name
	})
	return out
}
