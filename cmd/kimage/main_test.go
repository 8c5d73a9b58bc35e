package main

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/kimage/internal/elfobj/objtest"
	"github.com/tinyrange/kimage/internal/layout"
)

func writeObject(t *testing.T, dir, name string, undefined string) string {
	t.Helper()
	b := objtest.New()
	text := b.Text(".text.entry", 4, []byte{0x13, 0, 0, 0})
	b.Global("_start", text, 0)
	if undefined != "" {
		sym := b.Undefined(undefined)
		b.Reloc(text, 0, elf.R_RISCV_JAL, sym, 0)
	}
	b.NoBits(".bss.stack", 16, 0x1000)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	obj := writeObject(t, dir, "entry.o", "")
	exe := filepath.Join(dir, "kernel.elf")
	bin := filepath.Join(dir, "kernel.bin")
	mapFile := filepath.Join(dir, "kernel.map")
	script := filepath.Join(dir, "linker.ld")

	err := run([]string{"-o", exe, "-bin", bin, "-map", mapFile, "-script", script, obj}, io.Discard)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	f, err := elf.Open(exe)
	if err != nil {
		t.Fatalf("open executable: %v", err)
	}
	defer f.Close()
	if got, want := f.Entry, uint64(layout.KernelBase); got != want {
		t.Errorf("Entry = %#x, want %#x", got, want)
	}

	data, err := os.ReadFile(bin)
	if err != nil {
		t.Fatalf("read binary: %v", err)
	}
	if !bytes.Equal(data, []byte{0x13, 0, 0, 0}) {
		t.Errorf("binary = %x, want 13000000", data)
	}

	for _, path := range []string{mapFile, script} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if !strings.Contains(string(data), "boot_stack_top") {
			t.Errorf("%s does not mention boot_stack_top", filepath.Base(path))
		}
	}
}

func TestRunFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	obj := writeObject(t, dir, "entry.o", "missing")
	exe := filepath.Join(dir, "kernel.elf")
	bin := filepath.Join(dir, "kernel.bin")

	err := run([]string{"-o", exe, "-bin", bin, obj}, io.Discard)
	if !errors.Is(err, layout.ErrUnresolvedSymbol) {
		t.Fatalf("run = %v, want ErrUnresolvedSymbol", err)
	}
	for _, path := range []string{exe, bin} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after failed link", filepath.Base(path))
		}
	}
}

func TestRunWriteFailureLeavesNoPartialOutput(t *testing.T) {
	dir := t.TempDir()
	obj := writeObject(t, dir, "entry.o", "")
	exe := filepath.Join(dir, "kernel.elf")
	bin := filepath.Join(dir, "missing", "kernel.bin")
	mapFile := filepath.Join(dir, "kernel.map")

	err := run([]string{"-o", exe, "-bin", bin, "-map", mapFile, obj}, io.Discard)
	if err == nil {
		t.Fatalf("run succeeded with an unwritable -bin path")
	}
	for _, path := range []string{exe, mapFile} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s exists after failed write", filepath.Base(path))
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}

func TestRunDumpLayoutRoundTrips(t *testing.T) {
	dir := t.TempDir()
	dumped := filepath.Join(dir, "kernel.yaml")
	if err := run([]string{"-dump-layout", dumped}, io.Discard); err != nil {
		t.Fatalf("run -dump-layout failed: %v", err)
	}

	d, err := layout.LoadDescriptor(dumped)
	if err != nil {
		t.Fatalf("LoadDescriptor: %v", err)
	}
	if got, want := d.Base, layout.Size(layout.KernelBase); got != want {
		t.Errorf("Base = %v, want %v", got, want)
	}

	obj := writeObject(t, dir, "entry.o", "")
	bin := filepath.Join(dir, "kernel.bin")
	if err := run([]string{"-layout", dumped, "-o", "", "-bin", bin, obj}, io.Discard); err != nil {
		t.Fatalf("run with dumped layout failed: %v", err)
	}
	if _, err := os.Stat(bin); err != nil {
		t.Fatalf("binary not written: %v", err)
	}
}

func TestRunSegmentOffset(t *testing.T) {
	dir := t.TempDir()
	obj := writeObject(t, dir, "entry.o", "")
	exe := filepath.Join(dir, "kernel.elf")

	if err := run([]string{"-o", exe, "-segment-offset", "0x2000", obj}, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	f, err := elf.Open(exe)
	if err != nil {
		t.Fatalf("open executable: %v", err)
	}
	defer f.Close()
	if len(f.Progs) == 0 {
		t.Fatalf("executable has no program headers")
	}
	if got, want := f.Progs[0].Off, uint64(0x2000); got != want {
		t.Errorf("first segment offset = %#x, want %#x", got, want)
	}

	err = run([]string{"-o", exe, "-segment-offset", "0x10", obj}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "too small for ELF headers") {
		t.Fatalf("run with tiny segment offset = %v, want header size error", err)
	}
}
