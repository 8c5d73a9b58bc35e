// Command kimage links RISC-V relocatable objects into a bare-metal kernel
// image using a layout descriptor.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/kimage/internal/elfexe"
	"github.com/tinyrange/kimage/internal/elfobj"
	"github.com/tinyrange/kimage/internal/layout"
	"github.com/tinyrange/kimage/internal/link"
)

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "kimage: %v\n", err)
		os.Exit(1)
	}
}

// output is a file produced by a run. Outputs are collected in memory and
// written only once everything succeeded.
type output struct {
	path string
	data []byte
}

func run(args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("kimage", flag.ExitOnError)
	fs.SetOutput(stderr)

	layoutPath := fs.String("layout", "", "Layout descriptor YAML (default: built-in kernel layout at 0x80200000)")
	outPath := fs.String("o", "kernel.elf", "Write the linked ELF executable to this file (empty to skip)")
	binPath := fs.String("bin", "", "Write the flat binary image starting at the base address to this file")
	mapPath := fs.String("map", "", "Write a link map to this file")
	scriptPath := fs.String("script", "", "Write the equivalent GNU ld linker script to this file")
	dumpLayout := fs.String("dump-layout", "", "Write the effective layout descriptor as YAML to this file")
	allowOrphans := fs.Bool("allow-orphans", false, "Drop content matched by no region instead of failing")
	strict := fs.Bool("strict", true, "Fail when content matches inputs of more than one region")
	defaults := elfexe.DefaultConfig()
	segmentOffset := fs.Uint64("segment-offset", defaults.SegmentOffset, "File offset of the first PT_LOAD segment in the executable")
	segmentAlign := fs.Uint64("segment-align", defaults.SegmentAlignment, "p_align of every PT_LOAD segment")
	verbose := fs.Bool("v", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: kimage [flags] objects...\n\n")
		fmt.Fprintf(stderr, "Link RISC-V objects and archives into a kernel image.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	desc := layout.Kernel()
	if *layoutPath != "" {
		d, err := layout.LoadDescriptor(*layoutPath)
		if err != nil {
			return err
		}
		desc = d
	} else if err := desc.Validate(); err != nil {
		return err
	}

	var outputs []output
	if *dumpLayout != "" {
		var buf bytes.Buffer
		if err := layout.EncodeDescriptor(&buf, desc); err != nil {
			return fmt.Errorf("encode layout: %w", err)
		}
		outputs = append(outputs, output{*dumpLayout, buf.Bytes()})
	}
	if *scriptPath != "" {
		var buf bytes.Buffer
		if err := layout.WriteScript(&buf, desc); err != nil {
			return fmt.Errorf("render linker script: %w", err)
		}
		outputs = append(outputs, output{*scriptPath, buf.Bytes()})
	}

	if fs.NArg() == 0 {
		if len(outputs) == 0 {
			fs.Usage()
			return fmt.Errorf("no input objects")
		}
		return writeOutputs(logger, outputs)
	}

	objs, err := loadObjects(logger, fs.Args(), stderr)
	if err != nil {
		return err
	}

	l := &link.Linker{
		Layout:       desc,
		Logger:       logger,
		AllowOrphans: *allowOrphans,
		Strict:       *strict,
	}
	res, err := l.Link(objs)
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	p := res.Placement

	if *outPath != "" {
		exe, err := elfexe.Build(p, res.Image, elfexe.Config{
			SegmentOffset:    *segmentOffset,
			SegmentAlignment: *segmentAlign,
			Flags:            res.Flags,
		})
		if err != nil {
			return fmt.Errorf("build executable: %w", err)
		}
		outputs = append(outputs, output{*outPath, exe})
	}
	if *binPath != "" {
		outputs = append(outputs, output{*binPath, res.Image})
	}
	if *mapPath != "" {
		var buf bytes.Buffer
		if err := layout.WriteMap(&buf, p); err != nil {
			return fmt.Errorf("render map: %w", err)
		}
		outputs = append(outputs, output{*mapPath, buf.Bytes()})
	}

	if err := writeOutputs(logger, outputs); err != nil {
		return err
	}

	_, free, _ := p.FreeMemory()
	logger.Info("Linked kernel",
		"objects", res.Objects,
		"relocations", res.Relocs,
		"entry", fmt.Sprintf("%#x", res.Entry),
		"end", fmt.Sprintf("%#x", p.End()),
		"footprint", p.Footprint(),
		"free", free,
	)
	return nil
}

func loadObjects(logger *slog.Logger, paths []string, stderr io.Writer) ([]*elfobj.Object, error) {
	var bar *progressbar.ProgressBar
	if f, ok := stderr.(*os.File); ok && len(paths) > 1 && term.IsTerminal(int(f.Fd())) {
		bar = progressbar.NewOptions(len(paths),
			progressbar.OptionSetWriter(stderr),
			progressbar.OptionSetDescription("loading objects"),
			progressbar.OptionClearOnFinish(),
		)
	}

	var objs []*elfobj.Object
	for _, path := range paths {
		loaded, err := elfobj.Open(path)
		if err != nil {
			return nil, err
		}
		if len(loaded) == 0 {
			logger.Warn("input contributes no objects", "path", path)
		}
		logger.Debug("loaded input", "path", path, "objects", len(loaded))
		objs = append(objs, loaded...)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return objs, nil
}

// writeOutputs stages every output in a temporary file next to its
// destination and renames them into place only once all were written.
func writeOutputs(logger *slog.Logger, outputs []output) error {
	var staged []string
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}
	for _, out := range outputs {
		tmp, err := stage(out)
		if err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", out.path, err)
		}
		staged = append(staged, tmp)
	}
	for i, out := range outputs {
		if err := os.Rename(staged[i], out.path); err != nil {
			cleanup()
			return fmt.Errorf("write %s: %w", out.path, err)
		}
		logger.Debug("wrote output", "path", out.path, "bytes", len(out.data))
	}
	return nil
}

func stage(out output) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(out.path), "."+filepath.Base(out.path)+".tmp*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(out.data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
