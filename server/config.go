package server

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	"github.com/janelia-flyem/voxflow/cache"
	"github.com/janelia-flyem/voxflow/rag"
	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"
)

const (
	// DefaultWebAddress is the default address of the HTTP server.
	DefaultWebAddress = "localhost:8000"

	// DefaultBlockExtent is the x, y and z extent of cache blocks when none is configured.
	DefaultBlockExtent = 64
)

// Config is the parsed TOML configuration.
type Config struct {
	Server  serverConfig
	Logging voxflow.LogConfig
	Cache   cacheConfig
	Rag     ragConfig
	Store   map[string]storeConfig
}

type serverConfig struct {
	HTTPAddress string `toml:"httpAddress"`
	Note        string
	Workers     int
}

// cacheConfig gives block shapes as [x, y, z] extents.  Channels and time points are
// never split across blocks.
type cacheConfig struct {
	InnerBlockShape []int64 `toml:"inner_block_shape"`
	OuterBlockShape []int64 `toml:"outer_block_shape"`
	MaxOuterBlocks  int     `toml:"max_outer_blocks"`
	Store           string
	FreecacheMB     int `toml:"freecache_mb"`
}

type ragConfig struct {
	// HistogramRange fixes the [min, max] range of quantile features if given.
	HistogramRange []float64 `toml:"histogram_range"`

	// Features are computed when a request names none.
	Features []string
}

// storeConfig holds the engine name and engine-specific settings of a store alias.
type storeConfig map[string]interface{}

// DefaultConfig returns the configuration used when no TOML file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: serverConfig{HTTPAddress: DefaultWebAddress, Workers: runtime.NumCPU()},
		Cache: cacheConfig{
			InnerBlockShape: []int64{DefaultBlockExtent, DefaultBlockExtent, DefaultBlockExtent},
			Store:           string(cache.MemoryStore),
		},
		Rag: ragConfig{
			Features: []string{"edge_mean", "edge_count", "sp_count"},
		},
		Store: map[string]storeConfig{},
	}
}

// LoadConfig decodes a TOML file on top of the defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("no server TOML configuration file provided")
	}
	c := DefaultConfig()
	if _, err := toml.DecodeFile(filename, c); err != nil {
		return nil, fmt.Errorf("could not decode TOML config: %v", err)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in TOML config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	voxflow.Infof("Loaded configuration from %s\n", filename)
	return c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	var err error

	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		c.Logging.Logfile, err = voxflow.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path")
		}
	}

	// [store.foobar].path
	for alias, sc := range c.Store {
		p, ok := sc["path"]
		if !ok {
			continue
		}
		path, ok := p.(string)
		if !ok {
			return fmt.Errorf("don't understand path setting for store %q", alias)
		}
		absPath, err := voxflow.ConvertToAbsolute(path, configDir)
		if err != nil {
			return fmt.Errorf("error converting store.%s.path to absolute path: %q", alias, path)
		}
		sc["path"] = absPath
	}
	return nil
}

func (c *Config) validate() error {
	for _, name := range c.Rag.Features {
		if _, err := rag.ParseFeature(name); err != nil {
			return fmt.Errorf("[rag] features: %w", err)
		}
	}
	if n := len(c.Rag.HistogramRange); n != 0 && n != 2 {
		return fmt.Errorf("[rag] histogram_range needs [min, max], got %v", c.Rag.HistogramRange)
	}
	for alias, sc := range c.Store {
		if _, ok := sc["engine"].(string); !ok {
			return fmt.Errorf("store %q has no engine setting", alias)
		}
	}
	if _, err := blockShape(c.Cache.InnerBlockShape); err != nil {
		return fmt.Errorf("[cache] inner_block_shape: %v", err)
	}
	if _, err := blockShape(c.Cache.OuterBlockShape); err != nil {
		return fmt.Errorf("[cache] outer_block_shape: %v", err)
	}
	return nil
}

// blockShape converts [x, y, z] extents to a block shape covering all channels of one
// time point.  An empty list leaves the spatial extents unbounded.
func blockShape(xyz []int64) (voxflow.Shape5D, error) {
	switch len(xyz) {
	case 0:
		return voxflow.Shape5D{T: 1}, nil
	case 3:
		return voxflow.NewShape5D(1, 0, xyz[0], xyz[1], xyz[2])
	}
	return voxflow.Shape5D{}, fmt.Errorf("need [x, y, z] extents, got %v", xyz)
}

// CacheConfig returns the cache settings for a cache of the given name.
func (c *Config) CacheConfig(name string) cache.Config {
	inner, _ := blockShape(c.Cache.InnerBlockShape)
	outer, _ := blockShape(c.Cache.OuterBlockShape)
	return cache.Config{
		Name:            name,
		InnerBlockShape: inner,
		OuterBlockShape: outer,
		MaxOuterBlocks:  c.Cache.MaxOuterBlocks,
		Workers:         c.Server.Workers,
		Store:           cache.StoreKind(c.Cache.Store),
		FreecacheMB:     c.Cache.FreecacheMB,
	}
}

// HistogramRange returns the configured quantile range or nil.
func (c *Config) HistogramRange() *rag.Range {
	if len(c.Rag.HistogramRange) != 2 {
		return nil
	}
	return &rag.Range{Min: c.Rag.HistogramRange[0], Max: c.Rag.HistogramRange[1]}
}

// StoreConfig returns the storage configuration of a store alias.
func (c *Config) StoreConfig(alias string) (storage.Config, error) {
	sc, found := c.Store[alias]
	if !found {
		return storage.Config{}, fmt.Errorf("no store %q in configuration", alias)
	}
	settings := make(map[string]interface{}, len(sc))
	var engine string
	for k, v := range sc {
		if k == "engine" {
			engine, _ = v.(string)
			continue
		}
		settings[k] = v
	}
	return storage.Config{Engine: engine, Settings: settings}, nil
}
