package device

import (
	"fmt"
	"strings"
)

// Identity is the normalised identity of a device: lowercase type,
// uppercase mac, id = type + "-" + mac.
type Identity struct {
	Type string
	MAC  string
	ID   string
}

// gen1Models maps gen 1 model codes (the "type" of /shelly and the first
// field of the CoIoT device-id option) to their vendor id prefix.
var gen1Models = map[string]string{
	"SHSW-1":    "shelly1",
	"SHSW-L":    "shelly1l",
	"SHSW-PM":   "shelly1pm",
	"SHSW-21":   "shellyswitch",
	"SHSW-25":   "shellyswitch25",
	"SHSW-44":   "shelly4pro",
	"SHPLG-1":   "shellyplug",
	"SHPLG-S":   "shellyplug-s",
	"SHPLG2-1":  "shellyplug",
	"SHPLG-U1":  "shellyplugus",
	"SHDM-1":    "shellydimmer",
	"SHDM-2":    "shellydimmer2",
	"SHDIMW-1":  "shellydimmerw1",
	"SHRGBW2":   "shellyrgbw2",
	"SHBLB-1":   "shellybulb",
	"SHCB-1":    "shellycolorbulb",
	"SHBDUO-1":  "shellybulbduo",
	"SHVIN-1":   "shellyvintage",
	"SHEM":      "shellyem",
	"SHEM-3":    "shellyem3",
	"SHHT-1":    "shellyht",
	"SHWT-1":    "shellyflood",
	"SHDW-1":    "shellydw",
	"SHDW-2":    "shellydw2",
	"SHMOS-01":  "shellymotionsensor",
	"SHMOS-02":  "shellymotion2",
	"SHGS-1":    "shellygas",
	"SHSM-01":   "shellysmoke",
	"SHIX3-1":   "shellyix3",
	"SHBTN-1":   "shellybutton1",
	"SHBTN-2":   "shellybutton1",
	"SHUNI-1":   "shellyuni",
	"SHSEN-1":   "shellysense",
	"SHTRV-01":  "shellytrv",
	"SHAIR-1":   "shellyair",
	"SHSPOT-1":  "shellyspot",
	"SHSW-PM-2": "shelly1pm",
}

// ParseIdentity parses a vendor id such as "shellyplus1pm-441793d69718"
// or "shellyplug-s-C38EAB". The mac is the part after the last hyphen.
//
// Returns:
//   - Identity: Normalised identity
//   - error: ErrInvalidIdentity if the id has no type or mac part
func ParseIdentity(vendorID string) (Identity, error) {
	s := strings.TrimSpace(vendorID)
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, vendorID)
	}
	typ := strings.ToLower(s[:i])
	mac := strings.ToUpper(s[i+1:])
	if !isHex(mac) {
		return Identity{}, fmt.Errorf("%w: mac %q is not hexadecimal", ErrInvalidIdentity, mac)
	}
	return Identity{Type: typ, MAC: mac, ID: typ + "-" + mac}, nil
}

// Gen1Identity builds the identity of a gen 1 device from its model code and
// mac. Unknown model codes fall back to "shelly" + the lowercased code with
// hyphens removed.
func Gen1Identity(modelCode, mac string) (Identity, error) {
	prefix, ok := gen1Models[strings.ToUpper(modelCode)]
	if !ok {
		if modelCode == "" {
			return Identity{}, fmt.Errorf("%w: empty gen 1 model code", ErrInvalidIdentity)
		}
		prefix = "shelly" + strings.ToLower(strings.ReplaceAll(modelCode, "-", ""))
	}
	return ParseIdentity(prefix + "-" + mac)
}

// NormalizeID returns the canonical form of a vendor id, or the input
// unchanged when it cannot be parsed.
func NormalizeID(vendorID string) string {
	id, err := ParseIdentity(vendorID)
	if err != nil {
		return vendorID
	}
	return id.ID
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
