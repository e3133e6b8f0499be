package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/xtcdb/core/dberror"
	"github.com/sushant-115/xtcdb/core/indexing/field"
	"github.com/sushant-115/xtcdb/core/indexmanager"
	"github.com/sushant-115/xtcdb/core/transaction"
	pagemanager "github.com/sushant-115/xtcdb/core/write_engine/page_manager"
)

const (
	catalogFile = "catalog.yaml"

	// SystemContainer holds the index catalog.
	SystemContainer uint16 = 1
	systemName             = "system"
)

// ContainerInfo names one container of the engine.
type ContainerInfo struct {
	ID   uint16 `yaml:"id"`
	Name string `yaml:"name"`
}

// catalog is the engine's YAML catalog file. It records what must be known
// before the log can be replayed.
type catalog struct {
	EngineID   string          `yaml:"engine_id"`
	Containers []ContainerInfo `yaml:"containers"`
	// IndexRoot is the root page number of the index catalog in the
	// system container.
	IndexRoot uint32 `yaml:"index_root"`
}

func readCatalog(dir string) (*catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, catalogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, dberror.File(err, "read catalog", filepath.Join(dir, catalogFile))
	}
	c := &catalog{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, dberror.File(err, "parse catalog", filepath.Join(dir, catalogFile))
	}
	return c, nil
}

// write replaces the catalog file atomically.
func (c *catalog) write(dir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	path := filepath.Join(dir, catalogFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberror.File(err, "write catalog", tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dberror.File(err, "write catalog", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberror.File(err, "sync catalog", tmp)
	}
	if err := f.Close(); err != nil {
		return dberror.File(err, "close catalog", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dberror.File(err, "install catalog", path)
	}
	return nil
}

func (c *catalog) container(id uint16) (ContainerInfo, bool) {
	for _, ci := range c.Containers {
		if ci.ID == id {
			return ci, true
		}
	}
	return ContainerInfo{}, false
}

func (c *catalog) nextContainerID() uint16 {
	next := SystemContainer
	for _, ci := range c.Containers {
		if ci.ID >= next {
			next = ci.ID + 1
		}
	}
	return next
}

// IndexInfo describes a named index.
type IndexInfo struct {
	Name       string
	Root       pagemanager.PageID
	Descriptor indexmanager.Descriptor
}

// catalogDescriptor is the layout of the index catalog: index name to the
// encoded root page id.
var catalogDescriptor = indexmanager.Descriptor{
	KeyType:   field.TypeString,
	ValueType: field.TypeBytes,
	Unique:    true,
}

func encodeRoot(id pagemanager.PageID) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b, id.Container)
	binary.BigEndian.PutUint32(b[2:], id.Number)
	return b
}

func decodeRoot(b []byte) (pagemanager.PageID, error) {
	if len(b) != 6 {
		return pagemanager.PageID{}, fmt.Errorf("%w: catalog entry of %d bytes", dberror.ErrPageCorrupt, len(b))
	}
	return pagemanager.PageID{Container: binary.BigEndian.Uint16(b), Number: binary.BigEndian.Uint32(b[2:])}, nil
}

func (e *Engine) catalogRoot() pagemanager.PageID {
	e.catMu.Lock()
	defer e.catMu.Unlock()
	return pagemanager.PageID{Container: SystemContainer, Number: e.cat.IndexRoot}
}

// LookupIndex returns the root of the index called name.
func (e *Engine) LookupIndex(tx *transaction.Tx, name string) (pagemanager.PageID, error) {
	if err := e.checkOpen(); err != nil {
		return pagemanager.PageID{}, err
	}
	it, err := e.indexes.Open(tx, e.catalogRoot(), indexmanager.SearchEqual, []byte(name), nil, indexmanager.OpenRead, indexmanager.Hint{})
	if err != nil {
		return pagemanager.PageID{}, err
	}
	defer it.Close()
	if !it.Valid() {
		return pagemanager.PageID{}, dberror.Index(dberror.ErrIndexNotFound, "lookup index %q", name)
	}
	return decodeRoot(it.Value())
}

// ListIndexes lists the named indexes in name order.
func (e *Engine) ListIndexes(tx *transaction.Tx) ([]IndexInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	it, err := e.indexes.Open(tx, e.catalogRoot(), indexmanager.SearchFirst, nil, nil, indexmanager.OpenRead, indexmanager.Hint{})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []IndexInfo
	for ok := it.Valid(); ok; {
		root, err := decodeRoot(it.Value())
		if err != nil {
			return nil, err
		}
		desc, err := e.indexes.Describe(tx, root)
		if err != nil {
			return nil, err
		}
		out = append(out, IndexInfo{Name: string(it.Key()), Root: root, Descriptor: desc})
		if ok, err = it.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CreateIndex creates an empty index called name in container, with its own
// unit, and records it in the index catalog. The index exists once tx
// commits.
func (e *Engine) CreateIndex(tx *transaction.Tx, name string, container uint16, desc indexmanager.Descriptor) (pagemanager.PageID, error) {
	if err := e.checkOpen(); err != nil {
		return pagemanager.PageID{}, err
	}
	if name == "" {
		return pagemanager.PageID{}, dberror.Index(errors.New("empty index name"), "create index")
	}
	if _, err := e.LookupIndex(tx, name); err == nil {
		return pagemanager.PageID{}, dberror.Index(dberror.ErrIndexExists, "create index %q", name)
	} else if !errors.Is(err, dberror.ErrIndexNotFound) {
		return pagemanager.PageID{}, err
	}
	unit, err := e.bm.CreateUnit(tx, container)
	if err != nil {
		return pagemanager.PageID{}, err
	}
	root, err := e.indexes.CreateIndex(tx, container, unit, desc)
	if err != nil {
		return pagemanager.PageID{}, err
	}
	it, err := e.indexes.Open(tx, e.catalogRoot(), indexmanager.SearchEqual, []byte(name), nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	if err != nil {
		return pagemanager.PageID{}, err
	}
	defer it.Close()
	if err := it.Insert([]byte(name), encodeRoot(root)); err != nil {
		if errors.Is(err, dberror.ErrDuplicateKey) {
			return pagemanager.PageID{}, dberror.Index(dberror.ErrIndexExists, "create index %q", name)
		}
		return pagemanager.PageID{}, err
	}
	return root, nil
}

// DropIndex removes the index called name. Its pages are released when tx
// commits.
func (e *Engine) DropIndex(tx *transaction.Tx, name string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	it, err := e.indexes.Open(tx, e.catalogRoot(), indexmanager.SearchEqual, []byte(name), nil, indexmanager.OpenUpdate, indexmanager.Hint{})
	if err != nil {
		return err
	}
	defer it.Close()
	if !it.Valid() {
		return dberror.Index(dberror.ErrIndexNotFound, "drop index %q", name)
	}
	root, err := decodeRoot(it.Value())
	if err != nil {
		return err
	}
	if err := it.Delete(); err != nil {
		return err
	}
	return e.indexes.DropIndex(tx, root)
}
