package devices

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/mod/semver"

	"labkit/internal/protocol"
)

// Hub versions the toolkit is built against. The hub must be at least
// MinHubVersion, and its MAJOR.MINOR must equal the toolkit's; a patch
// difference is tolerated.
const (
	ToolkitVersion = "25.4.1"
	MinHubVersion  = "25.1.0"
)

// normalizeVersion turns "25.4" or "25.4.2" into the canonical semver form
// "v25.4.2" with the patch defaulted to 0.
func normalizeVersion(version string) string {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(version), "v"), ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return "v" + strings.Join(parts[:3], ".")
}

// CheckCompatibility verifies the software stack end to end: hub version
// against the toolkit minimum, hub MAJOR.MINOR against the toolkit
// MAJOR.MINOR, and the device firmware status flags from the registry.
func (d *Device) CheckCompatibility(ctx context.Context) error {
	v, err := d.conn.Get(ctx, []string{"/hub/about/version"}, false)
	if err != nil || len(v) == 0 {
		return fmt.Errorf("read hub version: %w", err)
	}
	hubVersion, _ := v[0].Str()

	if err := checkVersions(hubVersion); err != nil {
		return err
	}
	return d.checkFirmwareStatus(ctx)
}

func checkVersions(hubVersion string) error {
	hub := normalizeVersion(hubVersion)
	toolkit := normalizeVersion(ToolkitVersion)
	if !semver.IsValid(hub) {
		return fmt.Errorf("hub reports invalid version %q", hubVersion)
	}
	if semver.Compare(hub, normalizeVersion(MinHubVersion)) < 0 {
		return fmt.Errorf("%w: hub version %s is older than the minimum %s supported by this toolkit; update the hub",
			ErrVersionMismatch, hubVersion, MinHubVersion)
	}
	switch {
	case semver.Compare(semver.MajorMinor(hub), semver.MajorMinor(toolkit)) < 0:
		return fmt.Errorf("%w: hub %s is behind toolkit %s; update the hub",
			ErrVersionMismatch, hubVersion, ToolkitVersion)
	case semver.Compare(semver.MajorMinor(hub), semver.MajorMinor(toolkit)) > 0:
		return fmt.Errorf("%w: toolkit %s is behind hub %s; update the toolkit",
			ErrVersionMismatch, ToolkitVersion, hubVersion)
	}
	// Patch mismatch is tolerated.
	return nil
}

func (d *Device) checkFirmwareStatus(ctx context.Context) error {
	v, err := d.conn.Get(ctx, []string{protocol.DevicesNodePath}, false)
	if err != nil || len(v) == 0 {
		return fmt.Errorf("read device registry: %w", err)
	}
	raw, _ := v[0].Str()

	serial := strings.ToUpper(d.serial)
	entry := gjson.Get(raw, serial)
	if !entry.Exists() {
		return fmt.Errorf("device %s missing from hub registry", serial)
	}
	flags := entry.Get("STATUSFLAGS").Int()

	if flags&protocol.StatusFlagUpdating != 0 {
		return fmt.Errorf("%w: try again once the update of %s completes", ErrDeviceUpdating, serial)
	}
	if flags&protocol.StatusFlagFWOldBits != 0 {
		return fmt.Errorf("%w: firmware of %s is older than the hub; update the device firmware",
			ErrFirmwareMismatch, serial)
	}
	if flags&protocol.StatusFlagFWNewerBits != 0 {
		return fmt.Errorf("%w: firmware of %s is newer than the hub; update the hub",
			ErrFirmwareMismatch, serial)
	}
	return nil
}
