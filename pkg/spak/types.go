package spak

import "strings"

// ResourceType classifies a SPAK entry (spec.md §3, §6: "type u32 (0..=6)").
type ResourceType uint32

const (
	Unknown ResourceType = iota
	Exploit
	Fdl1
	Fdl2
	Config
	Script
	Firmware
)

func (t ResourceType) String() string {
	switch t {
	case Exploit:
		return "Exploit"
	case Fdl1:
		return "Fdl1"
	case Fdl2:
		return "Fdl2"
	case Config:
		return "Config"
	case Script:
		return "Script"
	case Firmware:
		return "Firmware"
	default:
		return "Unknown"
	}
}

// InferType applies the name-prefix/suffix classification rules of
// spec.md §4.5. It never returns an error — an unrecognized name is
// Unknown.
func InferType(filename string) ResourceType {
	name := strings.ToLower(filename)

	switch {
	case strings.HasPrefix(name, "exploit_"), strings.Contains(name, "exploit"):
		return Exploit
	case strings.Contains(name, "fdl1"):
		return Fdl1
	case strings.Contains(name, "fdl2"):
		return Fdl2
	}

	switch {
	case hasAnySuffix(name, ".json", ".xml", ".ini"):
		return Config
	case hasAnySuffix(name, ".bat", ".sh", ".ps1"):
		return Script
	}

	return Unknown
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
