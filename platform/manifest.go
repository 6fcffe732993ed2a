package platform

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/typst-bridge/errors"
)

// Compression of a bundled binary.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// maxBinarySize bounds decompressed engine binaries.
const maxBinarySize = 1 << 30

// Manifest maps platform keys to bundled engine binaries.
//
//	abi: 1
//	binaries:
//	  - os: linux
//	    arch: amd64
//	    libc: gnu
//	    file: linux-amd64-gnu/libtypst_bridge.so.zst
//	    checksum: blake3:9f2c...
//	    compression: zstd
type Manifest struct {
	entries  map[Key]*Entry
	Binaries []Entry `yaml:"binaries"`
	ABI      uint32  `yaml:"abi"`
}

// Entry is one manifest binary. Checksum covers the decompressed bytes.
type Entry struct {
	OS          string `yaml:"os"`
	Arch        string `yaml:"arch"`
	Libc        string `yaml:"libc"`
	File        string `yaml:"file"`
	Checksum    string `yaml:"checksum"`
	Compression string `yaml:"compression,omitempty"`
	ABI         uint32 `yaml:"abi,omitempty"`

	sum Checksum
}

// Key returns the entry's platform key.
func (e *Entry) Key() Key {
	libc := e.Libc
	if libc == "" {
		libc = LibcNone
	}
	return Key{OS: e.OS, Arch: e.Arch, Libc: libc, ABI: e.ABI}
}

// Sum returns the parsed checksum.
func (e *Entry) Sum() Checksum { return e.sum }

// CachedName is the file name of the decompressed binary.
func (e *Entry) CachedName() string {
	name := path.Base(e.File)
	switch e.Compression {
	case CompressionZstd:
		name = strings.TrimSuffix(name, ".zst")
	case CompressionLZ4:
		name = strings.TrimSuffix(name, ".lz4")
	}
	return name
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.InvalidManifest("read manifest "+file, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest YAML. Every key must map to
// exactly one entry.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, errors.InvalidManifest("parse manifest", err)
	}

	m.entries = make(map[Key]*Entry, len(m.Binaries))
	for i := range m.Binaries {
		e := &m.Binaries[i]
		if e.ABI == 0 {
			e.ABI = m.ABI
		}
		if e.OS == "" || e.Arch == "" || e.File == "" {
			return nil, errors.InvalidManifest(fmt.Sprintf("binaries[%d]: os, arch and file are required", i), nil)
		}
		if path.IsAbs(e.File) || strings.HasPrefix(path.Clean(e.File), "..") {
			return nil, errors.InvalidManifest(fmt.Sprintf("binaries[%d]: file %q must stay inside the bundle", i, e.File), nil)
		}
		switch e.Compression {
		case "":
			e.Compression = CompressionNone
		case CompressionNone, CompressionZstd, CompressionLZ4:
		default:
			return nil, errors.InvalidManifest(fmt.Sprintf("binaries[%d]: unknown compression %q", i, e.Compression), nil)
		}
		sum, err := ParseChecksum(e.Checksum)
		if err != nil {
			return nil, errors.InvalidManifest(fmt.Sprintf("binaries[%d]", i), err)
		}
		e.sum = sum

		key := e.Key()
		if _, dup := m.entries[key]; dup {
			return nil, errors.InvalidManifest("duplicate entry for "+key.String(), nil)
		}
		m.entries[key] = e
	}
	return &m, nil
}

// Lookup returns the entry for key.
func (m *Manifest) Lookup(key Key) (*Entry, bool) {
	if key.Libc == "" {
		key.Libc = LibcNone
	}
	e, ok := m.entries[key]
	return e, ok
}

// Keys lists the supported platform keys in manifest order.
func (m *Manifest) Keys() []Key {
	keys := make([]Key, 0, len(m.Binaries))
	for i := range m.Binaries {
		keys = append(keys, m.Binaries[i].Key())
	}
	return keys
}

func decompress(compression string, data []byte) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBinarySize))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(io.LimitReader(r, maxBinarySize+1))
		if err != nil {
			return nil, err
		}
		if len(out) > maxBinarySize {
			return nil, fmt.Errorf("lz4: decompressed binary exceeds %d bytes", maxBinarySize)
		}
		return out, nil
	default:
		return data, nil
	}
}
