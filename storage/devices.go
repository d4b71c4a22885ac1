package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"pairlink/pairing"
)

// AddDevice inserts or refreshes a trust entry. Re-pairing an existing peer
// updates its metadata in place.
func (s *Store) AddDevice(device Device) error {
	if device.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if device.PairedTimestamp == 0 {
		device.PairedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO paired_devices (
			peer_id,
			hostname,
			os,
			platform,
			arch,
			paired_timestamp
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			hostname = excluded.hostname,
			os = excluded.os,
			platform = excluded.platform,
			arch = excluded.arch`,
		device.PeerID,
		device.Hostname,
		device.OS,
		device.Platform,
		device.Arch,
		device.PairedTimestamp,
	)
	if err != nil {
		return fmt.Errorf("insert paired device %q: %w", device.PeerID, err)
	}

	return nil
}

// GetDevice fetches one trust entry by peer ID.
func (s *Store) GetDevice(peerID string) (*Device, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, hostname, os, platform, arch, paired_timestamp
		FROM paired_devices
		WHERE peer_id = ?`,
		peerID,
	)

	var device Device
	if err := row.Scan(&device.PeerID, &device.Hostname, &device.OS, &device.Platform, &device.Arch, &device.PairedTimestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get paired device %q: %w", peerID, err)
	}

	return &device, nil
}

// ListDevices returns all trust entries sorted by hostname.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, hostname, os, platform, arch, paired_timestamp
		FROM paired_devices
		ORDER BY hostname, peer_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list paired devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		var device Device
		if err := rows.Scan(&device.PeerID, &device.Hostname, &device.OS, &device.Platform, &device.Arch, &device.PairedTimestamp); err != nil {
			return nil, fmt.Errorf("scan paired device row: %w", err)
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paired device rows: %w", err)
	}

	return devices, nil
}

// RemoveDevice deletes a trust entry. Removing an absent peer is a no-op.
func (s *Store) RemoveDevice(peerID string) error {
	if peerID == "" {
		return errors.New("peer_id is required")
	}

	if _, err := s.db.Exec(`DELETE FROM paired_devices WHERE peer_id = ?`, peerID); err != nil {
		return fmt.Errorf("remove paired device %q: %w", peerID, err)
	}
	return nil
}

// TrustBridge adapts the store to the pairing coordinator's trust contract.
type TrustBridge struct {
	store *Store
}

// Trust returns the store's pairing trust adapter.
func (s *Store) Trust() *TrustBridge {
	return &TrustBridge{store: s}
}

// List returns all paired devices.
func (b *TrustBridge) List() ([]pairing.PairedDevice, error) {
	devices, err := b.store.ListDevices()
	if err != nil {
		return nil, err
	}

	out := make([]pairing.PairedDevice, 0, len(devices))
	for _, device := range devices {
		out = append(out, pairing.PairedDevice{
			PeerID:   device.PeerID,
			Hostname: device.Hostname,
			OS:       device.OS,
			Platform: device.Platform,
			Arch:     device.Arch,
		})
	}
	return out, nil
}

// Add persists one paired device.
func (b *TrustBridge) Add(device pairing.PairedDevice) error {
	return b.store.AddDevice(Device{
		PeerID:   device.PeerID,
		Hostname: device.Hostname,
		OS:       device.OS,
		Platform: device.Platform,
		Arch:     device.Arch,
	})
}

// Remove deletes one paired device.
func (b *TrustBridge) Remove(peerID string) error {
	return b.store.RemoveDevice(peerID)
}
