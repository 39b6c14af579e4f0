package audio

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity for a device
// name to be offered as a "did you mean" hint.
const suggestionThreshold = 0.7

// DeviceLister queries the platform for its current audio input devices.
// Implementations must not open any device.
type DeviceLister interface {
	Devices() ([]Device, error)
}

// Catalog enumerates input devices through a [DeviceLister] and resolves the
// configured capture target among them. It never opens a device and keeps no
// cache between calls.
type Catalog struct {
	lister DeviceLister
}

// NewCatalog returns a Catalog backed by lister.
func NewCatalog(lister DeviceLister) *Catalog {
	return &Catalog{lister: lister}
}

// Enumerate returns whatever input devices the platform currently reports.
// An empty result is not an error.
func (c *Catalog) Enumerate() ([]Device, error) {
	devices, err := c.lister.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}

// Resolution is the outcome of [Catalog.Resolve].
type Resolution struct {
	// Device is the matched device. When Matched is false it holds the first
	// enumerated device (if any) for informational display only.
	Device Device

	// Matched reports whether the preferred name was found.
	Matched bool

	// Suggestion is the enumerated device name closest to the preferred name
	// when no exact match exists. Empty when nothing is similar enough.
	Suggestion string

	// Devices is the full enumeration the resolution was computed from.
	Devices []Device
}

// HasDevice reports whether the resolution carries any device at all.
func (r Resolution) HasDevice() bool { return r.Device.Name != "" || r.Device.ID != "" }

// Resolve enumerates devices and resolves preferredName among them.
func (c *Catalog) Resolve(preferredName string) (Resolution, error) {
	devices, err := c.Enumerate()
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{Devices: devices}
	if d, ok := ResolveTarget(devices, preferredName); ok {
		res.Device = d
		res.Matched = true
		return res, nil
	}
	if len(devices) > 0 {
		res.Device = devices[0]
	}
	res.Suggestion = closestName(devices, preferredName)
	return res, nil
}

// ResolveTarget returns the first device whose name equals preferredName after
// trimming surrounding whitespace and ignoring case.
func ResolveTarget(devices []Device, preferredName string) (Device, bool) {
	want := strings.TrimSpace(preferredName)
	if want == "" {
		return Device{}, false
	}
	for _, d := range devices {
		if strings.EqualFold(strings.TrimSpace(d.Name), want) {
			return d, true
		}
	}
	return Device{}, false
}

// closestName returns the device name most similar to name, or "" when none
// reaches suggestionThreshold.
func closestName(devices []Device, name string) string {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return ""
	}
	best, bestScore := "", 0.0
	for _, d := range devices {
		score := matchr.JaroWinkler(want, strings.ToLower(strings.TrimSpace(d.Name)), false)
		if score > bestScore {
			best, bestScore = d.Name, score
		}
	}
	if bestScore < suggestionThreshold {
		return ""
	}
	return best
}
