package pushapi

import (
	"github.com/pushline/pushline/internal"
	"golang.org/x/exp/slices"
)

// ActiveDevices returns the active devices in server order.
func ActiveDevices(devices []internal.Device) []internal.Device {
	out := slices.Clone(devices)
	return slices.DeleteFunc(out, func(d internal.Device) bool {
		return !d.Active
	})
}

// DisplayablePushes drops dismissed pushes and pushes with nothing to show, preserving order.
func DisplayablePushes(pushes []internal.Push) []internal.Push {
	out := slices.Clone(pushes)
	return slices.DeleteFunc(out, func(p internal.Push) bool {
		return !p.Displayable()
	})
}
