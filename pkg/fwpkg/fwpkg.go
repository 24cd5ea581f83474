// Package fwpkg parses camera firmware packages.
//
// Two dialects exist. Legacy packages are flat images with the bootloader and
// application regions at fixed offsets. Signed packages start with a JSON
// manifest, followed by a marker, a hex-encoded Ed25519 signature over the
// manifest and one reserved byte. Everything after that is the concatenation
// of the files described by the manifest:
//
//	[manifest JSON][marker][128 hex chars][1 byte][file data ...]
//
// Manifest offsets are relative to the first byte after the reserved byte.
// Every file of a signed package is hash-verified when it is parsed, and again
// every time it is read.
package fwpkg

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang/glog"
)

// Marker separates the manifest from the signature in signed packages.
const Marker = "\n--- BEGIN HUDDLY FIRMWARE SIGNATURE V1 ---"

const (
	// signatureHexLen is the length of the hex-encoded signature.
	signatureHexLen = 2 * ed25519.SignatureSize
	reservedLen     = 1
)

var (
	ErrFileNotFound = errors.New("file not found in package")
	ErrHashMismatch = errors.New("hash mismatch")
	ErrMalformed    = errors.New("malformed package")
	ErrSignature    = errors.New("signature verification failed")
	ErrNoAddress    = errors.New("no flash address")
)

type Dialect int

const (
	DialectLegacy Dialect = iota
	DialectSigned
)

func (d Dialect) String() string {
	switch d {
	case DialectLegacy:
		return "legacy"
	case DialectSigned:
		return "signed"
	}
	return "UNKNOWN"
}

// HashMismatchError is returned when a file's SHA-256 digest does not match
// the one declared in the manifest.
type HashMismatchError struct {
	Name     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for %q: manifest says %s, data hashes to %s", e.Name, e.Expected, e.Actual)
}

func (e *HashMismatchError) Is(target error) bool {
	return target == ErrHashMismatch
}

// Entry describes one file in a package.
type Entry struct {
	Name   string
	Offset uint32
	Size   uint32
	// SHA256 is the lowercase hex digest from the manifest. Empty for legacy
	// packages.
	SHA256 string
	// Flash holds the per-slot flash address, if known.
	Flash []uint32
}

type manifestFile struct {
	Offset       uint32   `json:"offset"`
	Size         uint32   `json:"size"`
	SHA256       string   `json:"sha256"`
	FlashAddress []uint32 `json:"flash_address,omitempty"`
}

type manifest struct {
	Files   map[string]manifestFile `json:"files"`
	Version string                  `json:"version,omitempty"`
}

// Package is a parsed firmware package. It is read-only after Parse and can
// be shared between goroutines.
type Package struct {
	dialect   Dialect
	raw       []byte
	headerLen int
	entries   map[string]Entry
	manifest  *manifest
	signature []byte
}

type options struct {
	publicKey ed25519.PublicKey
	layout    *Layout
}

type Option func(*options)

// WithPublicKey makes Parse verify the manifest signature of signed packages.
func WithPublicKey(key ed25519.PublicKey) Option {
	return func(o *options) {
		o.publicKey = key
	}
}

// WithLayout overrides the region layout used for legacy packages.
func WithLayout(l *Layout) Option {
	return func(o *options) {
		o.layout = l
	}
}

// IsSigned returns whether b looks like a signed package.
func IsSigned(b []byte) bool {
	return bytes.Contains(b, []byte(Marker))
}

// Parse parses a firmware package. For signed packages all files are read and
// hash-verified before Parse returns, so a single corrupt file rejects the
// whole package.
func Parse(b []byte, opts ...Option) (*Package, error) {
	o := options{layout: DefaultLayout}
	for _, opt := range opts {
		opt(&o)
	}
	if IsSigned(b) {
		return parseSigned(b, &o)
	}
	return parseLegacy(b, o.layout)
}

func parseSigned(b []byte, o *options) (*Package, error) {
	pos := bytes.Index(b, []byte(Marker))
	headerLen := pos + len(Marker) + signatureHexLen + reservedLen
	if headerLen > len(b) {
		return nil, fmt.Errorf("%w: truncated signature (package is %d bytes, header needs %d)", ErrMalformed, len(b), headerLen)
	}

	manifestBytes := b[:pos]
	var m manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	if len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: manifest lists no files", ErrMalformed)
	}

	sigHex := b[pos+len(Marker) : pos+len(Marker)+signatureHexLen]
	sig := make([]byte, ed25519.SignatureSize)
	if _, err := hex.Decode(sig, sigHex); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if o.publicKey != nil {
		if !ed25519.Verify(o.publicKey, manifestBytes, sig) {
			return nil, ErrSignature
		}
	}

	p := &Package{
		dialect:   DialectSigned,
		raw:       b,
		headerLen: headerLen,
		entries:   make(map[string]Entry),
		manifest:  &m,
		signature: sig,
	}
	for name, f := range m.Files {
		p.entries[name] = Entry{
			Name:   name,
			Offset: f.Offset,
			Size:   f.Size,
			SHA256: strings.ToLower(f.SHA256),
			Flash:  f.FlashAddress,
		}
	}
	for _, name := range p.Names() {
		if _, err := p.Data(name); err != nil {
			return nil, err
		}
	}
	glog.V(1).Infof("Parsed signed package: %d files, %d byte header", len(p.entries), headerLen)
	return p, nil
}

func (p *Package) Dialect() Dialect {
	return p.dialect
}

// Bytes returns the raw package as parsed.
func (p *Package) Bytes() []byte {
	return p.raw
}

// Signature returns the decoded manifest signature, or nil for legacy
// packages.
func (p *Package) Signature() []byte {
	return p.signature
}

// Names returns the names of all files in the package, sorted.
func (p *Package) Names() []string {
	var names []string
	for name := range p.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entry returns the metadata of a named file.
func (p *Package) Entry(name string) (Entry, bool) {
	e, ok := p.entries[name]
	return e, ok
}

func (p *Package) slice(e Entry) ([]byte, error) {
	start := uint64(p.headerLen) + uint64(e.Offset)
	end := start + uint64(e.Size)
	if end > uint64(len(p.raw)) {
		return nil, fmt.Errorf("%w: %q at offset %d size %d is outside of %d byte package", ErrFileNotFound, e.Name, e.Offset, e.Size, len(p.raw))
	}
	return p.raw[start:end], nil
}

// Data returns the contents of a named file. For signed packages the SHA-256
// digest is recomputed and compared to the manifest on every call.
func (p *Package) Data(name string) ([]byte, error) {
	e, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	data, err := p.slice(e)
	if err != nil {
		return nil, err
	}
	if p.dialect == DialectSigned {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != e.SHA256 {
			return nil, &HashMismatchError{Name: name, Expected: e.SHA256, Actual: got}
		}
	}
	return data, nil
}

// FlashAddress returns where a file is written for the given boot slot.
func (p *Package) FlashAddress(name string, slot Slot) (uint32, error) {
	e, ok := p.entries[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	if int(slot) < 0 || int(slot) >= len(e.Flash) {
		return 0, fmt.Errorf("%w for %q in slot %s", ErrNoAddress, name, slot)
	}
	return e.Flash[slot], nil
}

// Version returns the firmware version embedded in the package: the contents
// of the "version" file if present, otherwise the manifest's version field.
func (p *Package) Version() (string, error) {
	if _, ok := p.entries[FileVersion]; ok {
		data, err := p.Data(FileVersion)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	if p.manifest != nil && p.manifest.Version != "" {
		return p.manifest.Version, nil
	}
	return "", fmt.Errorf("%w: %q", ErrFileNotFound, FileVersion)
}
