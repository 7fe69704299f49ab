// Package snapshot captures byte-exact backups of tree files as compressed
// packs, so a failed operation can be reversed precisely.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"
)

// Pack format:
// [4 bytes: header length (big-endian)]
// [header JSON: Header]
// [entry data...]
//
// The header describes each entry's path, blake3 digest, mode, offset
// (relative to data start), and length. The whole pack is zstd-compressed
// on disk.

const (
	headerLengthSize = 4
	maxHeaderSize    = 10 * 1024 * 1024
)

// Entry describes one backed-up file.
type Entry struct {
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Mode   uint32 `json:"mode"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// Header describes a pack's contents.
type Header struct {
	CreatedAt int64   `json:"createdAt"`
	Label     string  `json:"label"`
	Entries   []Entry `json:"entries"`
}

// Pack is an in-memory backup with an optional on-disk copy.
type Pack struct {
	Path   string // on-disk pack file, empty if never written
	header Header
	data   []byte
}

// Take reads the given root-relative files and builds a backup pack.
// Paths are deduplicated and stored in sorted order.
func Take(root, label string, paths []string) (*Pack, error) {
	seen := make(map[string]bool, len(paths))
	uniq := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			uniq = append(uniq, p)
		}
	}
	sort.Strings(uniq)

	p := &Pack{header: Header{CreatedAt: time.Now().UnixMilli(), Label: label}}
	var buf bytes.Buffer
	for _, rel := range uniq {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		content, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("reading %s for backup: %w", rel, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s for backup: %w", rel, err)
		}
		sum := blake3.Sum256(content)
		p.header.Entries = append(p.header.Entries, Entry{
			Path:   rel,
			Digest: fmt.Sprintf("%x", sum[:]),
			Mode:   uint32(info.Mode().Perm()),
			Offset: int64(buf.Len()),
			Length: int64(len(content)),
		})
		buf.Write(content)
	}
	p.data = buf.Bytes()
	return p, nil
}

// Paths returns the backed-up file paths in pack order.
func (p *Pack) Paths() []string {
	out := make([]string, len(p.header.Entries))
	for i, e := range p.header.Entries {
		out[i] = e.Path
	}
	return out
}

// Restore writes every entry back under root, byte-identical, recreating
// missing directories and restoring file modes.
func (p *Pack) Restore(root string) error {
	for _, e := range p.header.Entries {
		content := p.data[e.Offset : e.Offset+e.Length]
		abs := filepath.Join(root, filepath.FromSlash(e.Path))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fmt.Errorf("restoring %s: %w", e.Path, err)
		}
		if err := os.WriteFile(abs, content, os.FileMode(e.Mode)); err != nil {
			return fmt.Errorf("restoring %s: %w", e.Path, err)
		}
	}
	return nil
}

// Verify checks every entry's content against its recorded digest.
func (p *Pack) Verify() error {
	for _, e := range p.header.Entries {
		if e.Offset+e.Length > int64(len(p.data)) {
			return fmt.Errorf("entry %s extends beyond pack data", e.Path)
		}
		sum := blake3.Sum256(p.data[e.Offset : e.Offset+e.Length])
		if fmt.Sprintf("%x", sum[:]) != e.Digest {
			return fmt.Errorf("digest mismatch for %s", e.Path)
		}
	}
	return nil
}

// Write persists the pack, zstd-compressed, to a file under dir and records
// the location in p.Path.
func (p *Pack) Write(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	headerJSON, err := json.Marshal(p.header)
	if err != nil {
		return fmt.Errorf("marshaling pack header: %w", err)
	}

	var raw bytes.Buffer
	var lenBuf [headerLengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	raw.Write(lenBuf[:])
	raw.Write(headerJSON)
	raw.Write(p.data)

	name := fmt.Sprintf("%d-%s.pack", p.header.CreatedAt, sanitize(p.header.Label))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating pack file: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(raw.Bytes()); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("writing pack: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flushing pack: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing pack file: %w", err)
	}

	p.Path = path
	return nil
}

// Load reads a pack previously persisted with Write.
func Load(path string) (*Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pack file: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompressing pack: %w", err)
	}
	if len(raw) < headerLengthSize {
		return nil, fmt.Errorf("pack too small: %d bytes", len(raw))
	}

	headerLen := binary.BigEndian.Uint32(raw[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	if int(headerLengthSize+headerLen) > len(raw) {
		return nil, fmt.Errorf("header length exceeds pack size")
	}

	p := &Pack{Path: path}
	if err := json.Unmarshal(raw[headerLengthSize:headerLengthSize+headerLen], &p.header); err != nil {
		return nil, fmt.Errorf("parsing pack header: %w", err)
	}
	p.data = raw[headerLengthSize+headerLen:]

	if err := p.Verify(); err != nil {
		return nil, fmt.Errorf("verifying pack: %w", err)
	}
	return p, nil
}

// sanitize makes a label safe for use in a filename.
func sanitize(label string) string {
	out := make([]rune, 0, len(label))
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
