package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Catalog maps table ids and names to their storage files. Recovery and the
// buffer pool resolve the file for a page id through it.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[uint64]DBFile
	byName map[string]DBFile
	logger *zap.Logger
}

func NewCatalog(logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		byID:   make(map[uint64]DBFile),
		byName: make(map[string]DBFile),
		logger: logger,
	}
}

// AddTable registers a storage file under a name. Both the table id and the
// name must be unused.
func (c *Catalog) AddTable(name string, file DBFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[file.TableID()]; ok {
		return fmt.Errorf("%w: id %d", ErrTableExists, file.TableID())
	}
	if _, ok := c.byName[name]; ok {
		return fmt.Errorf("%w: name %q", ErrTableExists, name)
	}
	c.byID[file.TableID()] = file
	c.byName[name] = file
	c.logger.Info("table registered",
		zap.String("name", name),
		zap.Uint64("table", file.TableID()))
	return nil
}

// FileFor resolves the storage file owning a page.
func (c *Catalog) FileFor(pid PageID) (DBFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	file, ok := c.byID[pid.TableID]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrTableNotFound, pid.TableID)
	}
	return file, nil
}

// TableByName looks a table up by its registered name.
func (c *Catalog) TableByName(name string) (DBFile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	file, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: name %q", ErrTableNotFound, name)
	}
	return file, nil
}

// Tables returns every registered storage file.
func (c *Catalog) Tables() []DBFile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DBFile, 0, len(c.byID))
	for _, file := range c.byID {
		out = append(out, file)
	}
	return out
}
