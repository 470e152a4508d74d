package kernel

import (
	"errors"
	"testing"
)

func TestATAPISignatureDetection(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	low, high := d.Signature()
	if !IsATAPI(low, high) {
		t.Fatal("expected simulated drive's signature to identify as ATAPI")
	}
	if IsATAPI(0x00, 0x00) {
		t.Fatal("a plain ATA signature must not be misidentified as ATAPI")
	}
}

func TestATAPIIdentifyReportsModelSerialFirmware(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	d.Serial, d.Firmware = "VC0001", "1.00"
	id, err := d.Identify()
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id.DeviceType != atapiDeviceTypeCDROM {
		t.Fatalf("device type = 0x%x, want 0x%x", id.DeviceType, atapiDeviceTypeCDROM)
	}
	if id.Model != "virtual-cdrom" || id.Serial != "VC0001" || id.Firmware != "1.00" {
		t.Fatalf("identity = %+v, want model/serial/firmware preserved", id)
	}
}

func TestATAPIIdentifyRejectsNonCDROM(t *testing.T) {
	d := NewNonCDROMATAPIDisk("virtual-tape", 0x01) // 0x01: sequential-access (tape), not CD/DVD-ROM
	if _, err := d.Identify(); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for a non-CD/DVD device type, got %v", err)
	}
}

func TestATAPINoMediaReportsNotReady(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	if err := d.TestUnitReady(); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState with no media, got %v", err)
	}
	if d.LastSense() != SenseNotReady {
		t.Fatalf("sense key = %v, want SenseNotReady", d.LastSense())
	}

	buf := make([]byte, SectorSize)
	if err := d.ReadSectors(0, 1, buf); !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO reading with no media, got %v", err)
	}
}

func TestATAPILoadReadEject(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	d.LoadMedia(16)
	if err := d.TestUnitReady(); err != nil {
		t.Fatalf("TestUnitReady after load: %v", err)
	}

	buf := make([]byte, SectorSize)
	if err := d.ReadSectors(0, 1, buf); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	if err := d.WriteSectors(0, 1, buf); !errors.Is(err, ErrReadOnlyFS) {
		t.Fatalf("expected ErrReadOnlyFS writing optical media, got %v", err)
	}

	if err := d.Eject(); err != nil {
		t.Fatalf("Eject: %v", err)
	}
	if err := d.TestUnitReady(); !errors.Is(err, ErrState) {
		t.Fatalf("expected no media after eject, got %v", err)
	}
}

func TestATAPIEjectLockedFails(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	d.LoadMedia(16)
	d.SetMediaLock(true)
	if err := d.Eject(); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission ejecting a locked drive, got %v", err)
	}
	d.SetMediaLock(false)
	if err := d.Eject(); err != nil {
		t.Fatalf("Eject after unlock: %v", err)
	}
}

func TestATAPIReadOutOfRange(t *testing.T) {
	d := NewATAPIDisk("virtual-cdrom")
	d.LoadMedia(4)
	buf := make([]byte, SectorSize)
	if err := d.ReadSectors(10, 1, buf); !errors.Is(err, ErrLBAOutOfRange) {
		t.Fatalf("expected ErrLBAOutOfRange, got %v", err)
	}
}
