/*
Package storage provides a unified interface to the stores that persist voxflow state,
e.g., block-sparse label arrays and region adjacency graphs.

Stores hold datasets, opaque byte values with a small set of string attributes,
addressed by "/"-separated paths such as "labels/0/block0000".  The leading components
of a path form groups that can be listed and deleted as a whole.

Each storage engine registers itself in an init function and is selected by name:

	store, err := storage.NewStore(storage.Config{Engine: "badger", Settings: ...})
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
)

// ErrNotFound is returned when a dataset does not exist.
var ErrNotFound = errors.New("dataset not found")

// Attrs are string attributes stored with a dataset.  Some engines do not preserve the
// case of attribute keys, so lookups should go through Get.
type Attrs map[string]string

// Get returns an attribute, matching the key case-insensitively if there is no exact
// match.
func (a Attrs) Get(key string) (string, bool) {
	if v, found := a[key]; found {
		return v, true
	}
	for k, v := range a {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Store persists datasets under paths.
type Store interface {
	fmt.Stringer

	// PutDataset writes data and attributes at path, replacing any previous dataset.
	PutDataset(ctx context.Context, path string, data []byte, attrs Attrs) error

	// GetDataset returns the data and attributes at path or ErrNotFound.
	GetDataset(ctx context.Context, path string) ([]byte, Attrs, error)

	// ListGroup returns the sorted names of the direct children of a group, datasets
	// and subgroups alike.
	ListGroup(ctx context.Context, group string) ([]string, error)

	// DeleteGroup removes every dataset within a group.  Missing groups are not an error.
	DeleteGroup(ctx context.Context, group string) error

	Close() error
}

// Config selects an engine and passes it engine-specific settings.
type Config struct {
	Engine   string
	Settings map[string]interface{}
}

// GetString returns a string setting or the empty string with found false.
func (c Config) GetString(key string) (s string, found bool, err error) {
	v, found := c.Settings[key]
	if !found {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("setting %q must be a string (%v)", key, v)
	}
	return s, true, nil
}

// GetBool returns a bool setting or false with found false.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	v, found := c.Settings[key]
	if !found {
		return false, false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, true, fmt.Errorf("setting %q must be a bool (%v)", key, v)
	}
	return b, true, nil
}

// GetInt returns an integer setting.  TOML integers arrive as int64 and JSON numbers as
// float64; both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	v, found := c.Settings[key]
	if !found {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, true, fmt.Errorf("setting %q must be an integer (%v)", key, v)
		}
		return int(n), true, nil
	}
	return 0, true, fmt.Errorf("setting %q must be an integer (%v)", key, v)
}

// Engine is a storage engine that can create stores.
type Engine interface {
	fmt.Stringer
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	NewStore(Config) (Store, error)
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine registers an engine for use by name.  Engines call this from init.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[e.GetName()] = e
}

// GetEngine returns a registered engine.
func GetEngine(name string) (Engine, bool) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	return e, found
}

// EnginesAvailable returns a description of the registered engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for _, e := range engines {
		names = append(names, e.String())
	}
	sort.Strings(names)
	return strings.Join(names, "; ")
}

// NewStore creates a store with the engine named in the config.
func NewStore(c Config) (Store, error) {
	e, found := GetEngine(c.Engine)
	if !found {
		return nil, fmt.Errorf("storage engine %q is not available (have %s)", c.Engine, EnginesAvailable())
	}
	return e.NewStore(c)
}

// JoinPath joins path components with "/", ignoring empty ones.
func JoinPath(parts ...string) string {
	var nonempty []string
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			nonempty = append(nonempty, p)
		}
	}
	return path.Join(nonempty...)
}

// GroupPrefix returns the prefix shared by all dataset paths within a group.
func GroupPrefix(group string) string {
	group = strings.Trim(group, "/")
	if group == "" {
		return ""
	}
	return group + "/"
}

// ChildName returns the direct child of group on the way to path, or false if path is
// not within the group.
func ChildName(group, p string) (string, bool) {
	prefix := GroupPrefix(group)
	if !strings.HasPrefix(p, prefix) || len(p) == len(prefix) {
		return "", false
	}
	rest := p[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}
