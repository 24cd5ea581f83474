package fwpkg

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// File is one input file for Build.
type File struct {
	Name  string
	Data  []byte
	Flash []uint32
}

// Build assembles a signed package from files. The manifest is signed with
// key; a nil key leaves the signature zeroed, which only parses without
// WithPublicKey.
func Build(files []File, version string, key ed25519.PrivateKey) ([]byte, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrMalformed)
	}
	m := manifest{
		Files:   make(map[string]manifestFile),
		Version: version,
	}
	var blob []byte
	for _, f := range files {
		if _, ok := m.Files[f.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate file %q", ErrMalformed, f.Name)
		}
		sum := sha256.Sum256(f.Data)
		m.Files[f.Name] = manifestFile{
			Offset:       uint32(len(blob)),
			Size:         uint32(len(f.Data)),
			SHA256:       hex.EncodeToString(sum[:]),
			FlashAddress: f.Flash,
		}
		blob = append(blob, f.Data...)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("could not marshal manifest: %w", err)
	}
	sig := make([]byte, ed25519.SignatureSize)
	if key != nil {
		sig = ed25519.Sign(key, mb)
	}

	buf := bytes.NewBuffer(make([]byte, 0, len(mb)+len(Marker)+signatureHexLen+reservedLen+len(blob)))
	buf.Write(mb)
	buf.WriteString(Marker)
	buf.WriteString(hex.EncodeToString(sig))
	buf.WriteByte('\n')
	buf.Write(blob)
	return buf.Bytes(), nil
}
