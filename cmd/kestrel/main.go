// Kestrel kernel entry point.
package main

import (
	"fmt"
	"os"

	"github.com/kestrel-os/kestrel/internal/hostdisk"
	"github.com/kestrel-os/kestrel/internal/runtime/kernel"
)

// demoMemoryMap stands in for the memory map a real bootloader would hand
// off in the boot-information structure; it describes a modest single
// available region with the low 1 MiB reserved for legacy BIOS structures.
func demoMemoryMap() *kernel.BootInfo {
	return &kernel.BootInfo{
		MemoryMap: []kernel.MemoryMapEntry{
			{Base: 0x00000000, Length: 0x00100000, Type: kernel.MemReserved},
			{Base: 0x00100000, Length: 64 * 1024 * 1024, Type: kernel.MemAvailable},
		},
	}
}

// startOpticalDrive wires a simulated ATAPI CD/DVD-ROM drive to a watched
// host directory: dropping an image file into it simulates inserting a
// disc, removing the file simulates ejecting it.
func startOpticalDrive(mediaDir string) (*kernel.ATAPIDisk, *hostdisk.MediaWatcher, error) {
	drive := kernel.NewATAPIDisk("kestrel-virtual-cdrom")
	mw, err := hostdisk.NewMediaWatcher(mediaDir)
	if err != nil {
		return nil, nil, fmt.Errorf("watching %s: %w", mediaDir, err)
	}
	hostdisk.WireATAPIMedia(mw, drive)
	return drive, mw, nil
}

func main() {
	k, err := kernel.InitializeKernel(demoMemoryMap(), nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestrel: boot failed:", err)
		os.Exit(1)
	}

	mediaDir, err := os.MkdirTemp("", "kestrel-media")
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestrel: creating media directory:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(mediaDir)

	_, mw, err := startOpticalDrive(mediaDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kestrel: starting optical drive:", err)
		os.Exit(1)
	}
	defer mw.Close()

	status := k.Status()
	fmt.Printf("kestrel: booted, %d/%d frames free, %d tasks\n",
		status.FreeFrames, status.TotalFrames, status.TaskCount)
	fmt.Printf("kestrel: watching %s for optical media\n", mediaDir)
	fmt.Print(kernel.LogTail())
}
