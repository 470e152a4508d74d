package kernel

import (
	"errors"
	"testing"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	v, err := InitVFS()
	if err != nil {
		t.Fatalf("InitVFS: %v", err)
	}
	if err := v.Mount("/", "ramfs", nil, false); err != nil {
		t.Fatalf("Mount root: %v", err)
	}
	return v
}

func TestMountAlreadyMounted(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mount("/", "ramfs", nil, false); !errors.Is(err, ErrAlreadyMounted) {
		t.Fatalf("expected ErrAlreadyMounted, got %v", err)
	}
}

func TestMountUnknownDriver(t *testing.T) {
	v, _ := InitVFS()
	if err := v.Mount("/", "no-such-fs", nil, false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	v := newTestVFS(t)

	f, err := v.Open("/greeting.txt", true)
	if err != nil {
		t.Fatalf("Open(create): %v", err)
	}
	n, err := f.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	f.Close()

	f2, err := v.Open("/greeting.txt", false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, 16)
	n, err = f2.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("read %q, want %q", buf[:n], "hello")
	}
}

func TestMkdirAndReaddir(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mkdir("/etc"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if _, err := v.Open("/etc/hosts", true); err != nil {
		t.Fatalf("create under dir: %v", err)
	}

	entries, err := v.Readdir("/etc")
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "hosts" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestUnlink(t *testing.T) {
	v := newTestVFS(t)
	if _, err := v.Open("/a.txt", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := v.Unlink("/a.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := v.Open("/a.txt", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after unlink, got %v", err)
	}
}

func TestReadOnlyMountRejectsWrite(t *testing.T) {
	v, _ := InitVFS()
	if err := v.Mount("/", "ramfs", nil, true); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if _, err := v.Open("/x.txt", true); !errors.Is(err, ErrReadOnlyFS) {
		t.Fatalf("expected ErrReadOnlyFS creating on a read-only mount, got %v", err)
	}
}

func TestLongestPrefixMountResolution(t *testing.T) {
	v := newTestVFS(t)
	if err := v.Mount("/mnt", "ramfs", nil, false); err != nil {
		t.Fatalf("Mount /mnt: %v", err)
	}
	if _, err := v.Open("/mnt/file.txt", true); err != nil {
		t.Fatalf("create under nested mount: %v", err)
	}

	// The root filesystem's listing of "/" must not include the file that
	// was created under the nested /mnt mount.
	entries, err := v.Readdir("/")
	if err != nil {
		t.Fatalf("Readdir /: %v", err)
	}
	for _, e := range entries {
		if e.Name == "file.txt" {
			t.Fatal("nested mount's file leaked into the root filesystem's listing")
		}
	}
}

func TestFDTableConsoleWrite(t *testing.T) {
	fds := newFDTable()
	n, err := fds.Write(1, []byte("hi"))
	if err != nil || n != 2 {
		t.Fatalf("console write: n=%d err=%v", n, err)
	}
	if _, err := fds.Write(0, []byte("x")); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission writing to stdin, got %v", err)
	}
}

func TestFDTableInstallAndClose(t *testing.T) {
	v := newTestVFS(t)
	f, err := v.Open("/data.bin", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fds := newFDTable()
	fd := fds.Install(f)
	if fd != 3 {
		t.Fatalf("first installed fd = %d, want 3 (0-2 reserved)", fd)
	}
	if _, err := fds.Write(fd, []byte("data")); err != nil {
		t.Fatalf("Write via fd: %v", err)
	}
	if err := fds.CloseFD(fd); err != nil {
		t.Fatalf("CloseFD: %v", err)
	}
	if _, ok := fds.Get(fd); ok {
		t.Fatal("expected fd to be removed after CloseFD")
	}
}
