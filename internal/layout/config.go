package layout

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

func (d *Descriptor) normalize() {
	if d.PageSize == 0 {
		d.PageSize = Size(DefaultPageSize)
	}
	for i := range d.Regions {
		if d.Regions[i].Align == 0 {
			d.Regions[i].Align = 1
		}
	}
}

// ParseDescriptor decodes and validates a YAML descriptor.
func ParseDescriptor(data []byte) (Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		if err == io.EOF {
			return Descriptor{}, &Error{Kind: ErrInvalidDescriptor, Detail: "empty document"}
		}
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	d.normalize()
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// LoadDescriptor reads a YAML descriptor from path.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read %s: %w", path, err)
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return d, nil
}

// EncodeDescriptor writes d as YAML.
func EncodeDescriptor(w io.Writer, d Descriptor) error {
	d.normalize()

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&d); err != nil {
		return fmt.Errorf("encode descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close descriptor encoder: %w", err)
	}
	return nil
}

// WriteDescriptor writes d as YAML to path.
func WriteDescriptor(path string, d Descriptor) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := EncodeDescriptor(f, d); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
