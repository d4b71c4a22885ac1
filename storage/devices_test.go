package storage

import (
	"errors"
	"testing"

	"pairlink/pairing"
)

func TestAddListRemoveDevices(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddDevice(Device{
		PeerID:   "peer-1",
		Hostname: "laptop",
		OS:       "darwin",
		Platform: "desktop",
		Arch:     "arm64",
	}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	if err := store.AddDevice(Device{PeerID: "peer-2", Hostname: "workstation"}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}

	devices, err := store.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].Hostname != "laptop" || devices[1].Hostname != "workstation" {
		t.Fatalf("unexpected device order: %+v", devices)
	}

	device, err := store.GetDevice("peer-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if device.OS != "darwin" || device.Arch != "arm64" {
		t.Fatalf("unexpected device %+v", device)
	}
	if device.PairedTimestamp == 0 {
		t.Fatal("paired timestamp not defaulted")
	}

	if err := store.RemoveDevice("peer-1"); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if _, err := store.GetDevice("peer-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}

	// Removing an absent peer stays a no-op.
	if err := store.RemoveDevice("peer-1"); err != nil {
		t.Fatalf("repeat RemoveDevice failed: %v", err)
	}
}

func TestAddDeviceUpdatesMetadataInPlace(t *testing.T) {
	store := newTestStore(t)

	if err := store.AddDevice(Device{PeerID: "peer-1", Hostname: "old-name"}); err != nil {
		t.Fatalf("AddDevice failed: %v", err)
	}
	if err := store.AddDevice(Device{PeerID: "peer-1", Hostname: "new-name", OS: "linux"}); err != nil {
		t.Fatalf("AddDevice update failed: %v", err)
	}

	device, err := store.GetDevice("peer-1")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if device.Hostname != "new-name" || device.OS != "linux" {
		t.Fatalf("metadata not updated: %+v", device)
	}
}

func TestTrustBridgeSatisfiesCoordinatorContract(t *testing.T) {
	store := newTestStore(t)

	var trust pairing.TrustStore = store.Trust()

	if err := trust.Add(pairing.PairedDevice{PeerID: "peer-1", Hostname: "laptop", OS: "darwin"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	devices, err := trust.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 1 || devices[0].PeerID != "peer-1" || devices[0].Hostname != "laptop" {
		t.Fatalf("unexpected trust entries %+v", devices)
	}

	if err := trust.Remove("peer-1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	devices, err = trust.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("expected empty trust store, got %+v", devices)
	}
}
