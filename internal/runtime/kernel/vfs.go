package kernel

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// KernelVersion is the running kernel's version, checked against a driver's
// MinVersion constraint at mount time. It has no bearing on on-disk
// compatibility; it exists so a filesystem driver can require a minimum
// VFS core revision the way a kernel module declares the ABI it needs.
var KernelVersion = semver.MustParse("1.0.0")

// NodeType classifies a VFS node.
type NodeType uint8

const (
	NodeFile NodeType = iota
	NodeDirectory
	NodeDevice
)

// DirEntry is one entry returned by a directory's Readdir.
type DirEntry struct {
	Name string
	Type NodeType
}

// NodeOps is a node's operation vtable. Any field left nil means that
// operation is not supported on nodes of this kind -- spec.md 4.5's
// "absent entries report not supported rather than panicking".
type NodeOps struct {
	Lookup  func(dir *Node, name string) (*Node, error)
	Create  func(dir *Node, name string) (*Node, error)
	Mkdir   func(dir *Node, name string) (*Node, error)
	Read    func(n *Node, buf []byte, offset int64) (int, error)
	Write   func(n *Node, buf []byte, offset int64) (int, error)
	Readdir func(n *Node) ([]DirEntry, error)
	Unlink  func(dir *Node, name string) error
	Release func(n *Node) error
	Getattr func(n *Node) (NodeAttr, error)
}

// NodeAttr is the subset of node metadata Getattr reports.
type NodeAttr struct {
	Type NodeType
	Size int64
}

// Node is one VFS node: a file, directory or device, backed by whatever
// concrete filesystem driver created it. The core never interprets
// Private; only the owning driver's Ops closures do.
type Node struct {
	Type       NodeType
	Name       string
	Ops        *NodeOps
	Superblock *Superblock
	Private    interface{}
}

// Superblock is one mounted filesystem instance: its driver name, the
// block device it is backed by (nil for device-less drivers such as an
// in-memory filesystem), whether it rejects writes, and its root node.
type Superblock struct {
	Driver   string
	Device   BlockDevice
	ReadOnly bool
	Root     *Node
}

// FSDriver is a pluggable filesystem type, registered once by name.
// MinVersion, if set, gates mount() against KernelVersion via a semver
// constraint so a driver can require a VFS revision newer than the one
// running, the same way a kernel module declares a minimum ABI.
type FSDriver interface {
	Name() string
	Mount(dev BlockDevice, readOnly bool) (*Superblock, error)
	MinVersion() *semver.Constraints
}

// registry is the pluggable filesystem-type table every concrete driver
// registers itself into at init time.
type registry struct {
	mu      sync.Mutex
	drivers map[string]FSDriver
}

var fsRegistry = &registry{drivers: make(map[string]FSDriver)}

// RegisterFilesystem adds a driver to the registry. Registering the same
// name twice replaces the previous driver, matching spec.md's "the last
// registration for a name wins" module-loading rule.
func RegisterFilesystem(d FSDriver) {
	fsRegistry.mu.Lock()
	defer fsRegistry.mu.Unlock()
	fsRegistry.drivers[d.Name()] = d
}

func lookupDriver(name string) (FSDriver, error) {
	fsRegistry.mu.Lock()
	defer fsRegistry.mu.Unlock()
	d, ok := fsRegistry.drivers[name]
	if !ok {
		return nil, fmt.Errorf("vfs: %w: filesystem driver %q not registered", ErrNotFound, name)
	}
	if c := d.MinVersion(); c != nil && !c.Check(KernelVersion) {
		return nil, fmt.Errorf("vfs: %w: driver %q requires kernel %s, running %s", ErrNotSupported, name, c, KernelVersion)
	}
	return d, nil
}

// mountEntry is one live mount, indexed by mount point for longest-prefix
// path resolution.
type mountEntry struct {
	Point string
	SB    *Superblock
}

// VFS is the kernel-wide mount table and the entry point for every path
// operation (spec.md 4.5).
type VFS struct {
	mu     sync.RWMutex
	mounts []mountEntry
}

// GlobalVFS is the kernel-wide virtual filesystem, assigned during boot.
var GlobalVFS *VFS

// InitVFS creates an empty VFS with no mounts.
func InitVFS() (*VFS, error) {
	Log.Info("vfs initialized")
	return &VFS{}, nil
}

func cleanMountPoint(p string) string {
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Mount attaches driverName's filesystem, backed by dev, at point. Mounting
// onto an already-mounted point is rejected (ErrAlreadyMounted). No mount
// order is enforced: any point may be mounted first, and a path that no
// mount covers fails to resolve with ErrNotFound.
func (v *VFS) Mount(point, driverName string, dev BlockDevice, readOnly bool) error {
	point = cleanMountPoint(point)

	d, err := lookupDriver(driverName)
	if err != nil {
		return err
	}
	sb, err := d.Mount(dev, readOnly)
	if err != nil {
		return fmt.Errorf("vfs: mounting %q at %s: %w", driverName, point, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if m.Point == point {
			return fmt.Errorf("vfs: %w: %s", ErrAlreadyMounted, point)
		}
	}
	v.mounts = append(v.mounts, mountEntry{Point: point, SB: sb})
	sort.Slice(v.mounts, func(i, j int) bool { return len(v.mounts[i].Point) > len(v.mounts[j].Point) })

	Log.Info("filesystem mounted", "point", point, "driver", driverName, "read_only", readOnly)
	return nil
}

// Unmount detaches the filesystem mounted at point.
func (v *VFS) Unmount(point string) error {
	point = cleanMountPoint(point)
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, m := range v.mounts {
		if m.Point == point {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			Log.Info("filesystem unmounted", "point", point)
			return nil
		}
	}
	return fmt.Errorf("vfs: %w: nothing mounted at %s", ErrNotFound, point)
}

// resolve finds the mount with the longest matching prefix of path and
// returns its superblock plus the path remainder relative to that mount.
func (v *VFS) resolve(path string) (*Superblock, string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, "", fmt.Errorf("vfs: %w: path %q must be absolute", ErrInvalidArgument, path)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	for _, m := range v.mounts {
		if m.Point == "/" {
			return m.SB, path, nil
		}
		if path == m.Point || strings.HasPrefix(path, m.Point+"/") {
			rel := strings.TrimPrefix(path, m.Point)
			if rel == "" {
				rel = "/"
			}
			return m.SB, rel, nil
		}
	}
	return nil, "", fmt.Errorf("vfs: %w: no filesystem mounted covering %s", ErrNotFound, path)
}

func splitComponents(path string) []string {
	var out []string
	for _, c := range strings.Split(path, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

func (v *VFS) lookup(path string) (*Node, *Superblock, error) {
	sb, rel, err := v.resolve(path)
	if err != nil {
		return nil, nil, err
	}
	n := sb.Root
	for _, comp := range splitComponents(rel) {
		if n.Type != NodeDirectory {
			return nil, nil, fmt.Errorf("vfs: %w: %q in %s", ErrNotDirectory, n.Name, path)
		}
		if n.Ops == nil || n.Ops.Lookup == nil {
			return nil, nil, fmt.Errorf("vfs: %w: lookup on %q", ErrNotSupported, n.Name)
		}
		next, err := n.Ops.Lookup(n, comp)
		if err != nil {
			return nil, nil, err
		}
		n = next
	}
	return n, sb, nil
}

// OpenFile is a live handle into one node, with its own byte offset.
type OpenFile struct {
	Node       *Node
	Superblock *Superblock
	Offset     int64
}

// Open resolves path (creating the leaf if create is set and it does not
// already exist) and returns a handle. Writing through a handle into a
// read-only superblock fails with ErrReadOnlyFS at Write time, not Open
// time, so a read-only open of an existing file for append still succeeds.
func (v *VFS) Open(path string, create bool) (*OpenFile, error) {
	n, sb, err := v.lookup(path)
	if err == nil {
		return &OpenFile{Node: n, Superblock: sb}, nil
	}
	if !create {
		return nil, err
	}

	dirPath := path[:strings.LastIndex(path, "/")]
	if dirPath == "" {
		dirPath = "/"
	}
	name := path[strings.LastIndex(path, "/")+1:]
	dir, sb, err := v.lookup(dirPath)
	if err != nil {
		return nil, err
	}
	if sb.ReadOnly {
		return nil, fmt.Errorf("vfs: %w: %s", ErrReadOnlyFS, path)
	}
	if dir.Ops == nil || dir.Ops.Create == nil {
		return nil, fmt.Errorf("vfs: %w: create on %q", ErrNotSupported, dir.Name)
	}
	n, err = dir.Ops.Create(dir, name)
	if err != nil {
		return nil, err
	}
	return &OpenFile{Node: n, Superblock: sb}, nil
}

// Mkdir creates a directory at path; the parent must already exist.
func (v *VFS) Mkdir(path string) error {
	dirPath := path[:strings.LastIndex(path, "/")]
	if dirPath == "" {
		dirPath = "/"
	}
	name := path[strings.LastIndex(path, "/")+1:]
	dir, sb, err := v.lookup(dirPath)
	if err != nil {
		return err
	}
	if sb.ReadOnly {
		return fmt.Errorf("vfs: %w: %s", ErrReadOnlyFS, path)
	}
	if dir.Ops == nil || dir.Ops.Mkdir == nil {
		return fmt.Errorf("vfs: %w: mkdir on %q", ErrNotSupported, dir.Name)
	}
	_, err = dir.Ops.Mkdir(dir, name)
	return err
}

// Readdir lists the entries of the directory at path.
func (v *VFS) Readdir(path string) ([]DirEntry, error) {
	n, _, err := v.lookup(path)
	if err != nil {
		return nil, err
	}
	if n.Ops == nil || n.Ops.Readdir == nil {
		return nil, fmt.Errorf("vfs: %w: readdir on %q", ErrNotSupported, n.Name)
	}
	return n.Ops.Readdir(n)
}

// Unlink removes the file named by path.
func (v *VFS) Unlink(path string) error {
	dirPath := path[:strings.LastIndex(path, "/")]
	if dirPath == "" {
		dirPath = "/"
	}
	name := path[strings.LastIndex(path, "/")+1:]
	dir, sb, err := v.lookup(dirPath)
	if err != nil {
		return err
	}
	if sb.ReadOnly {
		return fmt.Errorf("vfs: %w: %s", ErrReadOnlyFS, path)
	}
	if dir.Ops == nil || dir.Ops.Unlink == nil {
		return fmt.Errorf("vfs: %w: unlink on %q", ErrNotSupported, dir.Name)
	}
	return dir.Ops.Unlink(dir, name)
}

// Read reads from f at its current offset and advances it.
func (f *OpenFile) Read(buf []byte) (int, error) {
	if f.Node.Ops == nil || f.Node.Ops.Read == nil {
		return 0, fmt.Errorf("vfs: %w: read on %q", ErrNotSupported, f.Node.Name)
	}
	n, err := f.Node.Ops.Read(f.Node, buf, f.Offset)
	f.Offset += int64(n)
	return n, err
}

// Write writes to f at its current offset and advances it.
func (f *OpenFile) Write(buf []byte) (int, error) {
	if f.Superblock.ReadOnly {
		return 0, fmt.Errorf("vfs: %w: %s", ErrReadOnlyFS, f.Node.Name)
	}
	if f.Node.Ops == nil || f.Node.Ops.Write == nil {
		return 0, fmt.Errorf("vfs: %w: write on %q", ErrNotSupported, f.Node.Name)
	}
	n, err := f.Node.Ops.Write(f.Node, buf, f.Offset)
	f.Offset += int64(n)
	return n, err
}

// Close releases f's node-level resources, if the driver has any.
func (f *OpenFile) Close() error {
	if f.Node.Ops == nil || f.Node.Ops.Release == nil {
		return nil
	}
	return f.Node.Ops.Release(f.Node)
}

// FDTable is a task's per-task file descriptor table. Descriptors 0, 1 and
// 2 are reserved stdin/stdout/stderr stubs that never reach the VFS:
// stdout/stderr write straight to the kernel console ring, stdin always
// reads zero bytes (there being no input device in this core). Real
// descriptors into the VFS start at 3.
type FDTable struct {
	mu    sync.Mutex
	files map[int]*OpenFile
	next  int
}

func newFDTable() *FDTable {
	return &FDTable{files: make(map[int]*OpenFile), next: 3}
}

// Install allocates the next descriptor for an open VFS handle.
func (t *FDTable) Install(f *OpenFile) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.next
	t.next++
	t.files[fd] = f
	return fd
}

// Get resolves fd to its open handle, if any.
func (t *FDTable) Get(fd int) (*OpenFile, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.files[fd]
	return f, ok
}

// CloseFD drops fd from the table, releasing its handle first.
func (t *FDTable) CloseFD(fd int) error {
	t.mu.Lock()
	f, ok := t.files[fd]
	delete(t.files, fd)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd: %w: %d", ErrInvalidArgument, fd)
	}
	return f.Close()
}

// Write implements the write(2)-shaped syscall surface: fd 1 and 2 go to
// the console, writing to fd 0 (stdin) fails with ErrPermission, anything
// else is resolved through the table into the VFS.
func (t *FDTable) Write(fd int, data []byte) (int, error) {
	switch fd {
	case 0:
		return 0, fmt.Errorf("fd: %w: stdin is not writable", ErrPermission)
	case 1, 2:
		return consoleRing.Write(data)
	}
	f, ok := t.Get(fd)
	if !ok {
		return 0, fmt.Errorf("fd: %w: %d", ErrInvalidArgument, fd)
	}
	return f.Write(data)
}

// Read implements the read(2)-shaped syscall surface.
func (t *FDTable) Read(fd int, buf []byte) (int, error) {
	switch fd {
	case 0:
		return 0, nil
	case 1, 2:
		return 0, fmt.Errorf("fd: %w: stdout/stderr are not readable", ErrPermission)
	}
	f, ok := t.Get(fd)
	if !ok {
		return 0, fmt.Errorf("fd: %w: %d", ErrInvalidArgument, fd)
	}
	return f.Read(buf)
}
