package fastboot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DeviceInfo is a typed, immutable snapshot over the session's variable
// cache (C7). It is produced by Client.DeviceInfo(), which triggers at most
// one getvar:all if the cache has never been populated; it never
// auto-refreshes afterward (spec.md §4.7).
type DeviceInfo struct {
	Product           string
	SerialNumber      string
	Variant           string
	VersionBootloader string
	VersionBaseband   string
	HWRevision        string

	CurrentSlot string
	Secure      bool
	Unlocked    bool
	IsUserspace bool

	MaxDownloadSize uint64

	PartitionSizes    map[string]uint64
	PartitionIsLogical map[string]bool
}

// boolVar interprets a getvar value as a Fastboot boolean: "yes"/"1"/"true"
// are true, anything else is false.
func boolVar(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "1", "true":
		return true
	default:
		return false
	}
}

// parseUintVar accepts hex ("0x...") or decimal, per spec.md §4.4
// "Variable parsing"; negative values are rejected by construction since
// the return type is unsigned and ParseUint itself rejects a leading '-'.
func parseUintVar(v string) (uint64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	base := 10
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		v = v[2:]
		base = 16
	}
	n, err := strconv.ParseUint(v, base, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// DeviceInfo projects the current variable cache into a DeviceInfo
// snapshot. The cache is read-only here; call GetVarAll() first to update it.
func (c *Client) DeviceInfo() (DeviceInfo, error) {
	c.mu.Lock()
	empty := len(c.variables) == 0
	c.mu.Unlock()
	if empty {
		if _, err := c.GetVarAll(); err != nil {
			return DeviceInfo{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info := DeviceInfo{
		Product:            c.variables["product"],
		SerialNumber:       c.variables["serialno"],
		Variant:            c.variables["variant"],
		VersionBootloader:  c.variables["version-bootloader"],
		VersionBaseband:    c.variables["version-baseband"],
		HWRevision:         c.variables["hw-revision"],
		CurrentSlot:        c.variables["current-slot"],
		Secure:             boolVar(c.variables["secure"]),
		Unlocked:           boolVar(c.variables["unlocked"]),
		IsUserspace:        boolVar(c.variables["is-userspace"]),
		MaxDownloadSize:    c.maxDownloadSize,
		PartitionSizes:     make(map[string]uint64),
		PartitionIsLogical: make(map[string]bool),
	}

	const sizePrefix = "partition-size:"
	const logicalPrefix = "is-logical:"
	for k, v := range c.variables {
		switch {
		case strings.HasPrefix(k, sizePrefix):
			name := strings.TrimPrefix(k, sizePrefix)
			if n, ok := parseUintVar(v); ok {
				info.PartitionSizes[name] = n
			}
		case strings.HasPrefix(k, logicalPrefix):
			name := strings.TrimPrefix(k, logicalPrefix)
			info.PartitionIsLogical[name] = boolVar(v)
		}
	}

	return info, nil
}

// String renders a human-readable getvar:all-style table. This is a
// formatting convenience for a CLI, not a UI layer: CLI/GUI presentation
// itself stays out of scope (spec.md §1).
func (i DeviceInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "product:            %s\n", i.Product)
	fmt.Fprintf(&b, "serialno:           %s\n", i.SerialNumber)
	fmt.Fprintf(&b, "current-slot:       %s\n", i.CurrentSlot)
	fmt.Fprintf(&b, "secure:             %v\n", i.Secure)
	fmt.Fprintf(&b, "unlocked:           %v\n", i.Unlocked)
	fmt.Fprintf(&b, "max-download-size:  0x%x\n", i.MaxDownloadSize)

	names := make([]string, 0, len(i.PartitionSizes))
	for name := range i.PartitionSizes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "partition %-16s size=%d logical=%v\n", name, i.PartitionSizes[name], i.PartitionIsLogical[name])
	}
	return b.String()
}
