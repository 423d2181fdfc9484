package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/goccy/go-yaml"

	"docgate/pkg/dberrors"
	"docgate/pkg/types"
)

const defaultCacheCapacity = 1024

// Catalog owns table metadata. Resolved descriptors are served from a
// ristretto cache in front of the authoritative map.
type Catalog struct {
	mu     sync.RWMutex
	tables map[types.TableID]*TableDesc
	byName map[string]types.TableID

	cache *ristretto.Cache[string, *TableDesc]
}

func New(capacity int64) (*Catalog, error) {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *TableDesc]{
		NumCounters: capacity * 10,
		MaxCost:     capacity,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create descriptor cache: %w", err)
	}

	return &Catalog{
		tables: make(map[types.TableID]*TableDesc),
		byName: make(map[string]types.TableID),
		cache:  cache,
	}, nil
}

// CreateTable registers a table under a fresh id.
func (c *Catalog) CreateTable(name string, columns []Column) (*TableDesc, error) {
	return c.register(types.NewTableID(), name, 1, columns)
}

func (c *Catalog) register(id types.TableID, name string, version uint32, columns []Column) (*TableDesc, error) {
	desc, err := newTableDesc(id, name, version, columns)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return nil, fmt.Errorf("%w: table %s already exists", dberrors.ErrInvalidArgument, name)
	}
	if _, ok := c.tables[id]; ok {
		return nil, fmt.Errorf("%w: table id %s already exists", dberrors.ErrInvalidArgument, id)
	}

	c.tables[id] = desc
	c.byName[name] = id

	slog.Info("table registered", "table", name, "id", id, "version", version)
	return desc, nil
}

// DropTable removes the table. Descriptors already handed out become stale
// and refuse to create write requests.
func (c *Catalog) DropTable(id types.TableID) error {
	c.mu.Lock()
	desc, ok := c.tables[id]
	if ok {
		delete(c.tables, id)
		delete(c.byName, desc.name)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, id)
	}

	desc.dropped.Store(true)
	c.cache.Del(id.String())

	slog.Info("table dropped", "table", desc.name, "id", id)
	return nil
}

// Resolve returns the descriptor of a table or ErrTableNotFound.
func (c *Catalog) Resolve(id types.TableID) (*TableDesc, error) {
	if desc, ok := c.cache.Get(id.String()); ok && !desc.IsDropped() {
		return desc, nil
	}

	c.mu.RLock()
	desc, ok := c.tables[id]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, id)
	}

	c.cache.Set(id.String(), desc, 1)
	return desc, nil
}

func (c *Catalog) ResolveName(name string) (*TableDesc, error) {
	c.mu.RLock()
	id, ok := c.byName[name]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", dberrors.ErrTableNotFound, name)
	}
	return c.Resolve(id)
}

func (c *Catalog) Tables() []*TableDesc {
	c.mu.RLock()
	defer c.mu.RUnlock()

	res := make([]*TableDesc, 0, len(c.tables))
	for _, d := range c.tables {
		res = append(res, d)
	}
	return res
}

func (c *Catalog) Close() {
	c.cache.Close()
}

type schemaFile struct {
	Tables []tableSchema `yaml:"tables"`
}

type tableSchema struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Version uint32   `yaml:"version"`
	Columns []Column `yaml:"columns"`
}

// LoadFile registers every table of a YAML schema file.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	return c.Load(data)
}

func (c *Catalog) Load(data []byte) error {
	var sf schemaFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	for _, ts := range sf.Tables {
		id := types.NewTableID()
		if ts.ID != "" {
			parsed, err := types.ParseTableID(ts.ID)
			if err != nil {
				return fmt.Errorf("table %s: bad id %q: %w", ts.Name, ts.ID, err)
			}
			id = parsed
		}

		version := ts.Version
		if version == 0 {
			version = 1
		}

		if _, err := c.register(id, ts.Name, version, ts.Columns); err != nil {
			return err
		}
	}

	return nil
}
