package elfobj

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

var ErrBadArchive = errors.New("malformed ar archive")

// Member is one file inside an ar archive.
type Member struct {
	Name string
	Data []byte
}

// IsArchive reports whether data starts with the ar magic.
func IsArchive(data []byte) bool {
	return bytes.HasPrefix(data, []byte(arMagic))
}

// ReadArchive splits a System V (GNU) or BSD ar archive into its members,
// skipping the symbol index and the long name table.
func ReadArchive(data []byte) ([]Member, error) {
	if !IsArchive(data) {
		return nil, fmt.Errorf("%w: missing magic", ErrBadArchive)
	}

	var (
		members   []Member
		longNames []byte
	)
	off := len(arMagic)
	for off < len(data) {
		if len(data)-off < arHeaderSize {
			return nil, fmt.Errorf("%w: truncated header at %d", ErrBadArchive, off)
		}
		hdr := data[off : off+arHeaderSize]
		if string(hdr[58:60]) != "`\n" {
			return nil, fmt.Errorf("%w: bad header terminator at %d", ErrBadArchive, off)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad member size at %d", ErrBadArchive, off)
		}
		off += arHeaderSize
		if int64(len(data)-off) < size {
			return nil, fmt.Errorf("%w: truncated member at %d", ErrBadArchive, off)
		}
		body := data[off : off+int(size)]
		off += int(size)
		if off%2 == 1 {
			off++
		}

		name := strings.TrimRight(string(hdr[0:16]), " ")
		switch {
		case name == "/" || name == "/SYM64/" || name == "__.SYMDEF" || name == "__.SYMDEF SORTED":
			continue
		case name == "//":
			longNames = body
			continue
		case strings.HasPrefix(name, "#1/"):
			n, err := strconv.Atoi(name[3:])
			if err != nil || n > len(body) {
				return nil, fmt.Errorf("%w: bad BSD name %q", ErrBadArchive, name)
			}
			name = strings.TrimRight(string(body[:n]), "\x00")
			body = body[n:]
			if strings.HasPrefix(name, "__.SYMDEF") {
				continue
			}
		case strings.HasPrefix(name, "/"):
			idx, err := strconv.Atoi(name[1:])
			if err != nil || idx >= len(longNames) {
				return nil, fmt.Errorf("%w: bad long name reference %q", ErrBadArchive, name)
			}
			end := bytes.IndexByte(longNames[idx:], '\n')
			if end < 0 {
				end = len(longNames) - idx
			}
			name = strings.TrimSuffix(string(longNames[idx:idx+end]), "/")
		default:
			name = strings.TrimSuffix(name, "/")
		}
		members = append(members, Member{Name: name, Data: body})
	}
	return members, nil
}

// Open reads an object file or every ELF member of an archive. Archive members
// are named "archive(member)" and marked Lazy. Members that are not ELF files,
// such as the metadata in Rust rlibs, are skipped.
func Open(path string) ([]*Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !IsArchive(data) {
		obj, err := Read(path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return []*Object{obj}, nil
	}

	members, err := ReadArchive(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var objs []*Object
	for _, m := range members {
		if !bytes.HasPrefix(m.Data, []byte(elf.ELFMAG)) {
			continue
		}
		obj, err := Read(path+"("+m.Name+")", bytes.NewReader(m.Data))
		if err != nil {
			return nil, err
		}
		obj.Lazy = true
		objs = append(objs, obj)
	}
	return objs, nil
}
