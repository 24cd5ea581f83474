package fwpkg

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"slices"
	"testing"
)

type testFile struct {
	name string
	data []byte
	// lie, if set, is put in the manifest instead of the real digest.
	lie string
}

func buildSigned(t *testing.T, files []testFile, priv ed25519.PrivateKey) []byte {
	t.Helper()
	m := manifest{Files: make(map[string]manifestFile)}
	var blob []byte
	for _, f := range files {
		sum := sha256.Sum256(f.data)
		digest := hex.EncodeToString(sum[:])
		if f.lie != "" {
			digest = f.lie
		}
		m.Files[f.name] = manifestFile{
			Offset: uint32(len(blob)),
			Size:   uint32(len(f.data)),
			SHA256: digest,
		}
		blob = append(blob, f.data...)
	}
	mb, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("could not marshal manifest: %v", err)
	}
	sig := make([]byte, ed25519.SignatureSize)
	if priv != nil {
		sig = ed25519.Sign(priv, mb)
	}
	buf := bytes.NewBuffer(nil)
	buf.Write(mb)
	buf.WriteString(Marker)
	buf.WriteString(hex.EncodeToString(sig))
	buf.WriteByte('\n')
	buf.Write(blob)
	return buf.Bytes()
}

var sampleFiles = []testFile{
	{name: "image.bin", data: bytes.Repeat([]byte{0xaa, 0x55}, 300)},
	{name: "version", data: []byte("1.9.42\n")},
	{name: "tools.tar", data: []byte("not really a tarball")},
}

func TestMarkerLength(t *testing.T) {
	if want, got := 43, len(Marker); want != got {
		t.Fatalf("marker should be %d bytes, is %d", want, got)
	}
}

func TestParseSigned(t *testing.T) {
	raw := buildSigned(t, sampleFiles, nil)
	if !IsSigned(raw) {
		t.Fatalf("IsSigned should be true")
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if want, got := DialectSigned, p.Dialect(); want != got {
		t.Errorf("wanted dialect %s, got %s", want, got)
	}
	if want, got := []string{"image.bin", "tools.tar", "version"}, p.Names(); !slices.Equal(want, got) {
		t.Errorf("wanted names %v, got %v", want, got)
	}
	for _, f := range sampleFiles {
		data, err := p.Data(f.name)
		if err != nil {
			t.Errorf("Data(%q): %v", f.name, err)
			continue
		}
		if !bytes.Equal(data, f.data) {
			t.Errorf("Data(%q): contents differ", f.name)
		}
	}
	v, err := p.Version()
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if want := "1.9.42"; v != want {
		t.Errorf("wanted version %q, got %q", want, v)
	}
}

func TestParseFailsFastOnTamperedFile(t *testing.T) {
	files := slices.Clone(sampleFiles)
	files[2].lie = hex.EncodeToString(make([]byte, sha256.Size))
	_, err := Parse(buildSigned(t, files, nil))
	if err == nil {
		t.Fatalf("Parse should have failed")
	}
	var hme *HashMismatchError
	if !errors.As(err, &hme) {
		t.Fatalf("wanted HashMismatchError, got %v", err)
	}
	if hme.Name != "tools.tar" {
		t.Errorf("wanted mismatch on tools.tar, got %q", hme.Name)
	}
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("error should match ErrHashMismatch")
	}
}

func TestDataRechecksHash(t *testing.T) {
	raw := buildSigned(t, sampleFiles, nil)
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Corrupt the last byte of the blob area after the package was accepted.
	raw[len(raw)-1] ^= 0xff
	if _, err := p.Data("image.bin"); err != nil {
		t.Errorf("untouched file should still read: %v", err)
	}
	_, err = p.Data("tools.tar")
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("wanted hash mismatch, got %v", err)
	}
}

func TestEmptyFile(t *testing.T) {
	files := append(slices.Clone(sampleFiles), testFile{name: "empty", data: nil})
	p, err := Parse(buildSigned(t, files, nil))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := p.Data("empty")
	if err != nil {
		t.Fatalf("Data(empty): %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Data(empty) = %d bytes, want 0", len(data))
	}
}

func TestOutOfRange(t *testing.T) {
	raw := buildSigned(t, sampleFiles[:1], nil)
	_, err := Parse(raw[:len(raw)-10])
	if !errors.Is(err, ErrFileNotFound) {
		t.Fatalf("wanted ErrFileNotFound on truncated package, got %v", err)
	}

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := p.Data("nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("wanted ErrFileNotFound for unknown file, got %v", err)
	}
}

func TestMalformed(t *testing.T) {
	for _, te := range []struct {
		name string
		raw  []byte
	}{
		{"truncated signature", []byte(`{"files":{}}` + Marker + "abcd")},
		{"bad json", append([]byte(`{"files":`), []byte(Marker+string(bytes.Repeat([]byte("0"), 129)))...)},
		{"empty manifest", append([]byte(`{"files":{}}`), []byte(Marker+string(bytes.Repeat([]byte("0"), 129)))...)},
		{"bad hex", append([]byte(`{"files":{"a":{"offset":0,"size":1}}}`), []byte(Marker+string(bytes.Repeat([]byte("z"), 129))+"x")...)},
	} {
		if _, err := Parse(te.raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: wanted ErrMalformed, got %v", te.name, err)
		}
	}
}

func TestSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	raw := buildSigned(t, sampleFiles, priv)
	p, err := Parse(raw, WithPublicKey(pub))
	if err != nil {
		t.Fatalf("Parse with valid signature: %v", err)
	}
	if want, got := ed25519.SignatureSize, len(p.Signature()); want != got {
		t.Errorf("wanted %d byte signature, got %d", want, got)
	}

	otherPub, _, _ := ed25519.GenerateKey(nil)
	if _, err := Parse(raw, WithPublicKey(otherPub)); !errors.Is(err, ErrSignature) {
		t.Errorf("wanted ErrSignature with wrong key, got %v", err)
	}
}

func TestLegacy(t *testing.T) {
	raw := make([]byte, 0x8200+0x1000)
	for i := range raw {
		raw[i] = byte(i)
	}
	if IsSigned(raw) {
		t.Fatalf("legacy image detected as signed")
	}
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if want, got := DialectLegacy, p.Dialect(); want != got {
		t.Errorf("wanted dialect %s, got %s", want, got)
	}
	app, err := p.Data(FileApp)
	if err != nil {
		t.Fatalf("Data(app): %v", err)
	}
	if want, got := 0x1000, len(app); want != got {
		t.Errorf("wanted app of %d bytes, got %d", want, got)
	}
	bl, _ := p.Data(FileBootloader)
	if !bytes.Equal(bl, raw[0x200:0x8000]) {
		t.Errorf("bootloader region differs")
	}
	for _, te := range []struct {
		name string
		slot Slot
		want uint32
	}{
		{FileBootloaderHeader, SlotA, 0x00020000},
		{FileApp, SlotB, 0x00141000},
	} {
		got, err := p.FlashAddress(te.name, te.slot)
		if err != nil {
			t.Errorf("FlashAddress(%s, %s): %v", te.name, te.slot, err)
			continue
		}
		if got != te.want {
			t.Errorf("FlashAddress(%s, %s): wanted %08x, got %08x", te.name, te.slot, te.want, got)
		}
	}
	if _, err := p.Version(); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("legacy package has no version, got %v", err)
	}

	if _, err := Parse(raw[:0x8100]); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("wanted ErrFileNotFound for short legacy image, got %v", err)
	}
	if _, err := Parse(raw[:0x8200]); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("wanted ErrFileNotFound for legacy image without app, got %v", err)
	}
}

func TestSlot(t *testing.T) {
	if SlotA.Other() != SlotB || SlotB.Other() != SlotA {
		t.Errorf("Other() is not an involution")
	}
}
