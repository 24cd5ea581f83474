package devices

import (
	"github.com/google/gousb"
)

type Kind string

const (
	GO     Kind = "go"
	IQ     Kind = "iq"
	Canvas Kind = "canvas"
	One    Kind = "one"
	L1     Kind = "l1"
)

func (k Kind) String() string {
	switch k {
	case GO:
		return "Huddly GO"
	case IQ:
		return "Huddly IQ"
	case Canvas:
		return "Huddly Canvas"
	case One:
		return "Huddly ONE"
	case L1:
		return "Huddly L1"
	}
	return "UNKNOWN"
}

// UpgradeMethod selects how firmware is installed on a camera.
type UpgradeMethod string

const (
	// UpgradePackage uploads a whole firmware package and lets the camera
	// install it.
	UpgradePackage UpgradeMethod = "package"
	// UpgradeFlash writes each image of a legacy package to the inactive boot
	// slot by hand.
	UpgradeFlash UpgradeMethod = "flash"
	// UpgradeRPC streams the package over the RPC service.
	UpgradeRPC UpgradeMethod = "rpc"
)

func (k Kind) Description() Description {
	for _, d := range Descriptions {
		if d.Kind == k {
			return d
		}
	}
	panic("unreachable")
}

type Description struct {
	VID, PID gousb.ID
	Kind     Kind
	Upgrade  UpgradeMethod
}

// VendorID is shared by all cameras.
const VendorID gousb.ID = 0x2bd9

var Descriptions = []Description{
	{
		VID:     VendorID,
		PID:     0x0011,
		Kind:    GO,
		Upgrade: UpgradeFlash,
	},
	{
		VID:     VendorID,
		PID:     0x0021,
		Kind:    IQ,
		Upgrade: UpgradePackage,
	},
	{
		VID:     VendorID,
		PID:     0x0031,
		Kind:    Canvas,
		Upgrade: UpgradePackage,
	},
	{
		VID:     VendorID,
		PID:     0x0051,
		Kind:    One,
		Upgrade: UpgradePackage,
	},
	{
		VID:     VendorID,
		PID:     0x003e,
		Kind:    L1,
		Upgrade: UpgradeRPC,
	},
}

// Lookup finds the description matching a USB VID/PID pair.
func Lookup(vid, pid gousb.ID) (Description, bool) {
	for _, d := range Descriptions {
		if d.VID == vid && d.PID == pid {
			return d, true
		}
	}
	return Description{}, false
}

// ParseKind accepts a kind name as used on the command line.
func ParseKind(s string) (Kind, bool) {
	for _, d := range Descriptions {
		if string(d.Kind) == s {
			return d.Kind, true
		}
	}
	return "", false
}
