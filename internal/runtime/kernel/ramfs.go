package kernel

import (
	"bytes"
	"fmt"
	"path"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// ramfsDriver is a device-less, in-memory filesystem: the reference
// implementation of FSDriver used to mount a root before any real block
// device is available, and to exercise the VFS core in tests without
// needing an ATA/AHCI backing disk. It keeps one flat map of normalized
// path to entry per mounted instance, the same structure the host-side
// in-memory filesystem in the example pack uses.
type ramfsDriver struct{}

func (ramfsDriver) Name() string                   { return "ramfs" }
func (ramfsDriver) MinVersion() *semver.Constraints { return nil }

func init() {
	RegisterFilesystem(ramfsDriver{})
}

type ramEnt struct {
	dir  bool
	data *bytes.Buffer
}

type ramfs struct {
	mu   sync.Mutex
	ents map[string]*ramEnt
}

func (ramfsDriver) Mount(dev BlockDevice, readOnly bool) (*Superblock, error) {
	fs := &ramfs{ents: map[string]*ramEnt{"": {dir: true}}}
	sb := &Superblock{Driver: "ramfs", Device: dev, ReadOnly: readOnly}
	sb.Root = fs.node("", "")
	sb.Root.Type = NodeDirectory
	sb.Root.Superblock = sb
	return sb, nil
}

func (fs *ramfs) node(key, name string) *Node {
	return &Node{
		Name:       name,
		Superblock: nil,
		Private:    key,
		Ops:        fs.ops(),
	}
}

func (fs *ramfs) ops() *NodeOps {
	return &NodeOps{
		Lookup:  fs.lookup,
		Create:  fs.create,
		Mkdir:   fs.mkdir,
		Read:    fs.read,
		Write:   fs.write,
		Readdir: fs.readdir,
		Unlink:  fs.unlink,
		Getattr: fs.getattr,
	}
}

func (fs *ramfs) lookup(dir *Node, name string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := path.Join(dir.Private.(string), name)
	e, ok := fs.ents[key]
	if !ok {
		return nil, fmt.Errorf("ramfs: %w: %s", ErrNotFound, name)
	}
	n := fs.node(key, name)
	if e.dir {
		n.Type = NodeDirectory
	}
	return n, nil
}

func (fs *ramfs) create(dir *Node, name string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := path.Join(dir.Private.(string), name)
	if _, exists := fs.ents[key]; !exists {
		fs.ents[key] = &ramEnt{data: &bytes.Buffer{}}
	}
	return fs.node(key, name), nil
}

func (fs *ramfs) mkdir(dir *Node, name string) (*Node, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := path.Join(dir.Private.(string), name)
	fs.ents[key] = &ramEnt{dir: true}
	n := fs.node(key, name)
	n.Type = NodeDirectory
	return n, nil
}

func (fs *ramfs) read(n *Node, buf []byte, offset int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.ents[n.Private.(string)]
	if !ok || e.dir {
		return 0, fmt.Errorf("ramfs: %w: not a regular file", ErrNotDirectory)
	}
	data := e.data.Bytes()
	if offset >= int64(len(data)) {
		return 0, nil
	}
	return copy(buf, data[offset:]), nil
}

func (fs *ramfs) write(n *Node, buf []byte, offset int64) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.ents[n.Private.(string)]
	if !ok || e.dir {
		return 0, fmt.Errorf("ramfs: %w: not a regular file", ErrNotDirectory)
	}
	data := e.data.Bytes()
	end := int(offset) + len(buf)
	if end > len(data) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:], buf)
	e.data = bytes.NewBuffer(data)
	return len(buf), nil
}

func (fs *ramfs) readdir(n *Node) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := n.Private.(string)
	var out []DirEntry
	for key, e := range fs.ents {
		if key == prefix {
			continue
		}
		parent := path.Dir(key)
		if parent == "." {
			parent = ""
		}
		if parent != prefix {
			continue
		}
		t := NodeFile
		if e.dir {
			t = NodeDirectory
		}
		out = append(out, DirEntry{Name: path.Base(key), Type: t})
	}
	return out, nil
}

func (fs *ramfs) unlink(dir *Node, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	key := path.Join(dir.Private.(string), name)
	if _, ok := fs.ents[key]; !ok {
		return fmt.Errorf("ramfs: %w: %s", ErrNotFound, name)
	}
	delete(fs.ents, key)
	return nil
}

func (fs *ramfs) getattr(n *Node) (NodeAttr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.ents[n.Private.(string)]
	if !ok {
		return NodeAttr{}, fmt.Errorf("ramfs: %w", ErrNotFound)
	}
	if e.dir {
		return NodeAttr{Type: NodeDirectory}, nil
	}
	return NodeAttr{Type: NodeFile, Size: int64(e.data.Len())}, nil
}
