// Package store persists the set of known devices.
//
// A row is written when the registry adds a device and refreshed on every
// successful contact; it is removed when the device is removed. On start the
// registry reads the rows back and revives each device from its JSON
// snapshot as a cached, offline device.
package store
