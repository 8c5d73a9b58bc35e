package layout

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// WriteScript renders d as a GNU ld linker script, so the system toolchain can
// produce the same layout.
func WriteScript(w io.Writer, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) {
		fmt.Fprintf(bw, format, args...)
	}
	assign := func(indent string, names []string) {
		for _, name := range names {
			p("%s%s = .;\n", indent, name)
		}
	}

	p("OUTPUT_ARCH(riscv)\n")
	if d.Entry != "" {
		p("ENTRY(%s)\n", d.Entry)
	}
	p("BASE_ADDRESS = %#x;\n\n", uint64(d.Base))
	p("SECTIONS\n{\n")
	p("    . = BASE_ADDRESS;\n")
	assign("    ", d.ImageStart)

	for _, r := range d.Regions {
		p("\n")
		addr := ""
		if r.Address != 0 {
			addr = fmt.Sprintf(" %#x", uint64(r.Address))
		}
		if r.alignment() > 1 {
			p("    . = ALIGN(%#x);\n", r.alignment())
		}
		p("    %s%s : {\n", r.Name, addr)
		assign("        ", r.Start)
		for _, in := range r.Inputs {
			assign("        ", in.Start)
			files := in.Files
			if files == "" {
				files = "*"
			}
			p("        %s(%s)\n", files, strings.Join(in.Patterns, " "))
			assign("        ", in.End)
		}
		assign("        ", r.End)
		p("    }\n")
	}

	p("\n    . = ALIGN(%#x);\n", d.pageSize())
	assign("    ", d.ImageEnd)

	if len(d.Discard) > 0 {
		p("\n    /DISCARD/ : {\n")
		p("        *(%s)\n", strings.Join(d.Discard, " "))
		p("    }\n")
	}
	p("}\n")

	if d.Memory != nil && len(d.ImageEnd) > 0 {
		p("\nASSERT(%s <= %#x, \"image exceeds memory window\");\n", d.ImageEnd[0], d.Memory.End())
	}
	if stack, data := stackAndData(d); stack != "" && data != "" {
		p("ASSERT(%s <= %s, \"boot stack must precede zero-initialized data\");\n", stack, data)
	}
	return bw.Flush()
}

// stackAndData returns the end symbol of the first stack input and the start
// symbol of the zero-data input after it, when both are declared.
func stackAndData(d Descriptor) (string, string) {
	stack := ""
	for _, r := range d.Regions {
		if r.Kind != KindZeroData {
			continue
		}
		for _, in := range r.Inputs {
			switch {
			case in.Stack && stack == "" && len(in.End) > 0:
				stack = in.End[0]
			case !in.Stack && stack != "" && len(in.Start) > 0:
				return stack, in.Start[0]
			}
		}
	}
	return "", ""
}
