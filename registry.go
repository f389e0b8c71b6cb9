package ember

import (
	"encoding/binary"
	"sync"

	"github.com/emberkv/ember/errs"
	"github.com/emberkv/ember/page"
	"github.com/emberkv/ember/pagemgr"
	"github.com/emberkv/ember/pagestore"
	"github.com/emberkv/ember/tree"
	"github.com/emberkv/ember/txn"
)

// registryIndexID is the fixed id of the registry index itself (spec.md
// §3: "a registry index (fixed id) maps name → id and id →
// root-page-id"). User indexes are assigned ids starting at 1.
const registryIndexID = 0

const (
	registryKeyName = byte('n') // "n"+name -> 8-byte little-endian index id
	registryKeyRoot = byte('r') // "r"+8-byte-BE(id) -> 8-byte little-endian root page id
)

// registry is the name↔id / id→root-page-id directory, backed by its
// own reserved B+ tree index so it durable and recovers the same way
// any other index does.
type registry struct {
	mu     sync.Mutex
	tr     *tree.Tree
	nextID uint64

	byName map[string]uint64
	byID   map[uint64]*txn.Index
}

func openRegistry(dev pagestore.Device, mgr *pagemgr.Manager, pageSize uint32, rootID page.ID, cfg tree.Config) (*registry, error) {
	tr, err := tree.Open(dev, mgr, pageSize, rootID, cfg)
	if err != nil {
		return nil, err
	}
	r := &registry{
		tr:     tr,
		nextID: 1,
		byName: make(map[string]uint64),
		byID:   make(map[uint64]*txn.Index),
	}
	return r, nil
}

func nameKey(name string) []byte {
	return append([]byte{registryKeyName}, []byte(name)...)
}

func rootKey(id uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = registryKeyRoot
	binary.BigEndian.PutUint64(buf[1:], id)
	return buf
}

// load walks the registry tree via a plain cursor (no transaction: the
// registry is read once, single-threaded, at Open before any other
// activity begins) and rebuilds byName/nextID. Index trees themselves
// are opened by the Database from the returned roots, since opening one
// requires the Database's own dev/mgr that isn't wired into the
// registry.
func (r *registry) load() (map[string]uint64, map[uint64]page.ID, error) {
	names := make(map[string]uint64)
	roots := make(map[uint64]page.ID)

	c := r.tr.NewCursor()
	defer c.Close()
	if err := c.First(); err != nil {
		return names, roots, nil
	}
	for {
		key, err := c.Key()
		if err != nil {
			return names, roots, err
		}
		val, err := c.Value()
		if err != nil {
			return names, roots, err
		}
		if len(key) > 0 {
			switch key[0] {
			case registryKeyName:
				id := binary.LittleEndian.Uint64(val)
				names[string(key[1:])] = id
				if id >= r.nextID {
					r.nextID = id + 1
				}
			case registryKeyRoot:
				id := binary.BigEndian.Uint64(key[1:])
				roots[id] = page.ID(binary.LittleEndian.Uint64(val))
			}
		}
		if err := c.Next(); err != nil {
			break
		}
	}
	return names, roots, nil
}

// register durably assigns a fresh id to name and records rootID as
// its tree's root page.
func (r *registry) register(name string, rootID page.ID) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return 0, errs.New(errs.KindCorrupt, "ember.registry.register: duplicate index name")
	}
	id := r.nextID
	r.nextID++

	idBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBuf, id)
	if _, _, err := r.tr.Insert(nameKey(name), idBuf); err != nil {
		return 0, err
	}
	rootBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(rootBuf, uint64(rootID))
	if _, _, err := r.tr.Insert(rootKey(id), rootBuf); err != nil {
		return 0, err
	}
	r.byName[name] = id
	return id, nil
}

// updateRoot persists index id's current root page, called after any
// operation that may have grown or shrunk its tree (root split/merge).
func (r *registry) updateRoot(id uint64, rootID page.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rootBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(rootBuf, uint64(rootID))
	_, _, err := r.tr.Insert(rootKey(id), rootBuf)
	return err
}
