package fwpkg

import (
	"fmt"

	"github.com/golang/glog"
)

// Well-known file names.
const (
	FileBootloaderHeader = "bootloader_header"
	FileBootloader       = "bootloader"
	FileAppHeader        = "app_header"
	FileApp              = "app"
	FileVersion          = "version"
)

// Slot is a boot slot on the device. Upgrades write the inactive slot and
// then switch the device over to it.
type Slot int

const (
	SlotA Slot = 0
	SlotB Slot = 1
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	}
	return "UNKNOWN"
}

// Other returns the slot that is not s.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Region is a fixed region of a legacy package. A zero Size extends the
// region to the end of the package.
type Region struct {
	Name   string
	Offset uint32
	Size   uint32
	// Flash is the flash address of the region, indexed by Slot.
	Flash [2]uint32
}

// Layout describes where the images of a legacy package live.
type Layout struct {
	Regions []Region
}

// DefaultLayout is the layout of legacy packages for the first camera
// generation.
var DefaultLayout = &Layout{
	Regions: []Region{
		{Name: FileBootloaderHeader, Offset: 0x0000, Size: 0x200, Flash: [2]uint32{0x00020000, 0x00120000}},
		{Name: FileBootloader, Offset: 0x0200, Size: 0x7e00, Flash: [2]uint32{0x00021000, 0x00121000}},
		{Name: FileAppHeader, Offset: 0x8000, Size: 0x200, Flash: [2]uint32{0x00040000, 0x00140000}},
		{Name: FileApp, Offset: 0x8200, Flash: [2]uint32{0x00041000, 0x00141000}},
	},
}

func parseLegacy(b []byte, l *Layout) (*Package, error) {
	p := &Package{
		dialect: DialectLegacy,
		raw:     b,
		entries: make(map[string]Entry),
	}
	for _, r := range l.Regions {
		e := Entry{
			Name:   r.Name,
			Offset: r.Offset,
			Size:   r.Size,
			Flash:  r.Flash[:],
		}
		if e.Size == 0 && uint64(len(b)) > uint64(r.Offset) {
			e.Size = uint32(len(b)) - r.Offset
		}
		if e.Size == 0 {
			return nil, fmt.Errorf("legacy package: %w: %q is empty", ErrFileNotFound, r.Name)
		}
		if _, err := p.slice(e); err != nil {
			return nil, fmt.Errorf("legacy package: %w", err)
		}
		p.entries[r.Name] = e
	}
	glog.V(1).Infof("Parsed legacy package: %d regions, %d bytes", len(p.entries), len(b))
	return p, nil
}
