// Package settings captures device settings into JSON snapshots, applies
// them back in a single transaction, and can keep a device synchronized
// with a snapshot file on disk.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"labkit/pkg/devices"
	"labkit/pkg/nodetree"
)

// SavedValue is one persisted setting; the wire codec of SetItem gives the
// file typed JSON values.
type SavedValue = nodetree.SetItem

// Snapshot is the on-disk settings format.
type Snapshot struct {
	Serial     string       `json:"serial"`
	DeviceType string       `json:"deviceType"`
	Taken      time.Time    `json:"taken"`
	Values     []SavedValue `json:"values"`
}

// ApplyReport summarizes an Apply run.
type ApplyReport struct {
	Applied int
	// Skipped lists snapshot paths the device does not have, or that are
	// read-only on this device.
	Skipped []string
}

// Capture reads every writable Setting leaf of the device into a snapshot.
// Paths are stored relative to the device root, so a snapshot can be
// applied to another device of the same model.
func Capture(ctx context.Context, dev *devices.Device) (*Snapshot, error) {
	snap := &Snapshot{
		Serial:     dev.Serial(),
		DeviceType: dev.DeviceType(),
		Taken:      time.Now().UTC(),
	}

	var paths []string
	dev.WalkInfo(func(path string, info nodetree.Info) bool {
		if info.IsSetting() && !info.ReadOnly {
			paths = append(paths, path)
		}
		return true
	})

	for _, path := range paths {
		v, err := dev.Node(path).Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", path, err)
		}
		snap.Values = append(snap.Values, SavedValue{Path: path, Type: v.Type, Data: v.Data})
	}
	return snap, nil
}

// Apply writes a snapshot back to a device in one transaction. Paths the
// device does not know, or that are read-only, are skipped and reported.
func Apply(ctx context.Context, dev *devices.Device, snap *Snapshot) (ApplyReport, error) {
	var report ApplyReport
	err := dev.WithTransaction(ctx, func(tx *nodetree.Transaction) error {
		for _, sv := range snap.Values {
			node := dev.Node(sv.Path)
			info, known := node.Info()
			if !known || info.ReadOnly {
				report.Skipped = append(report.Skipped, sv.Path)
				continue
			}
			if err := tx.Add(SavedValue{Path: node.Path(), Type: sv.Type, Data: sv.Data}); err != nil {
				return err
			}
			report.Applied++
		}
		return nil
	})
	if err != nil {
		return ApplyReport{}, fmt.Errorf("apply snapshot to %s: %w", dev.Serial(), err)
	}
	return report, nil
}

// Save writes a snapshot as indented JSON.
func Save(path string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}
