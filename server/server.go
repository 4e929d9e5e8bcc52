package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/janelia-flyem/voxflow/array5d"
	"github.com/janelia-flyem/voxflow/blockslot"
	"github.com/janelia-flyem/voxflow/cache"
	"github.com/janelia-flyem/voxflow/graph"
	"github.com/janelia-flyem/voxflow/operators"
	"github.com/janelia-flyem/voxflow/rag"
	"github.com/janelia-flyem/voxflow/storage"
	"github.com/janelia-flyem/voxflow/voxflow"

	// storage engines available to [store.<alias>] sections
	_ "github.com/janelia-flyem/voxflow/storage/badger"
	_ "github.com/janelia-flyem/voxflow/storage/blob"
)

// ErrUnknownData is returned for names of volumes, label arrays or stores that do not
// exist.
var ErrUnknownData = errors.New("unknown data")

// ErrDataExists is returned when creating a label array under a name in use.
var ErrDataExists = errors.New("data already exists")

// Service holds the operator graph behind the HTTP API.  Volumes are uploaded arrays
// served through a sliced block cache; label arrays are sparse, writable arrays matching
// a volume; rag features combine a label source with a volume.
type Service struct {
	cfg *Config
	g   *graph.Graph

	mu      sync.RWMutex
	volumes map[string]*volume
	labels  map[string]*labelArray
	rags    map[string]*operators.OpRagFeatures
	stores  map[string]storage.Store

	// ragMu serializes feature requests since feature names are set on a shared slot.
	ragMu sync.Mutex

	handler http.Handler
}

type volume struct {
	source *operators.OpArrayPiper
	cache  *cache.OpSlicedBlockedArrayCache
}

type labelArray struct {
	volume string
	shape  voxflow.Shape5D
	dtype  array5d.DType
	array  *operators.OpSparseLabelArray
	slot   *blockslot.SerialBlockSlot
	g      *graph.Graph
}

// NewService returns a service with no data.  A nil config uses DefaultConfig.
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Service{
		cfg:     cfg,
		g:       graph.NewGraph(),
		volumes: make(map[string]*volume),
		labels:  make(map[string]*labelArray),
		rags:    make(map[string]*operators.OpRagFeatures),
		stores:  make(map[string]storage.Store),
	}
	s.initRoutes()
	return s
}

// Close releases the graph and every opened store.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for alias, store := range s.stores {
		if err := store.Close(); err != nil {
			voxflow.Errorf("Closing store %q: %v\n", alias, err)
		}
	}
	s.stores = make(map[string]storage.Store)
	s.g.Close()
}

// PutVolume creates a volume or replaces its data, which dirties everything computed
// from it.
func (s *Service) PutVolume(name string, data *array5d.Array5D) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.volumes[name]; found {
		voxflow.Infof("Replacing volume %q with %s\n", name, data)
		return v.source.Input.SetValue(data)
	}
	source := operators.NewOpArrayPiper(s.g, nil)
	if err := source.Input.SetValue(data); err != nil {
		return err
	}
	c, err := cache.NewOpSlicedBlockedArrayCache(s.g, nil, s.cfg.CacheConfig("volume/"+name))
	if err != nil {
		s.g.Cleanup(source)
		return err
	}
	if err := c.Input.Connect(source.Output); err != nil {
		s.g.Cleanup(c)
		s.g.Cleanup(source)
		return err
	}
	s.volumes[name] = &volume{source: source, cache: c}
	voxflow.Infof("Added volume %q holding %s\n", name, data)
	return nil
}

func (s *Service) volume(name string) (*volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, found := s.volumes[name]
	if !found {
		return nil, fmt.Errorf("volume %q: %w", name, ErrUnknownData)
	}
	return v, nil
}

func (s *Service) labelArray(name string) (*labelArray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	la, found := s.labels[name]
	if !found {
		return nil, fmt.Errorf("label array %q: %w", name, ErrUnknownData)
	}
	return la, nil
}

// VolumeInfo describes a volume and its cache.
type VolumeInfo struct {
	Name            string
	Shape           voxflow.Shape5D
	DType           array5d.DType
	Axes            string
	BlockShape      voxflow.Shape5D
	OuterBlockShape voxflow.Shape5D
	Frozen          bool
}

func (s *Service) VolumeInfo(name string) (VolumeInfo, error) {
	v, err := s.volume(name)
	if err != nil {
		return VolumeInfo{}, err
	}
	meta := v.cache.Output.Meta()
	return VolumeInfo{
		Name:            name,
		Shape:           meta.Shape,
		DType:           meta.DType,
		Axes:            meta.Axes,
		BlockShape:      v.cache.BlockShape(),
		OuterBlockShape: v.cache.OuterBlockShape(),
		Frozen:          v.cache.Frozen(),
	}, nil
}

// GetVolume returns the cached volume data within roi.  Unbound roi endpoints take the
// volume's extent.
func (s *Service) GetVolume(ctx context.Context, name string, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	v, err := s.volume(name)
	if err != nil {
		return nil, err
	}
	return v.cache.Output.Get(ctx, roi)
}

// Freeze fixes a volume's cache at its current content or releases it.
func (s *Service) Freeze(name string, frozen bool) error {
	v, err := s.volume(name)
	if err != nil {
		return err
	}
	return v.cache.FixAtCurrent.SetValue(frozen)
}

// CreateLabels adds a single-lane label array covering the space of a volume with one
// channel.
func (s *Service) CreateLabels(name, volumeName string, dtype array5d.DType) error {
	if !dtype.IsInteger() {
		return fmt.Errorf("labels need an integer dtype, not %s: %w", dtype, voxflow.ErrAxisConstraint)
	}
	v, err := s.volume(volumeName)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.labels[name]; found {
		return fmt.Errorf("label array %q: %w", name, ErrDataExists)
	}
	la := &labelArray{
		volume: volumeName,
		shape:  v.cache.Output.Meta().Shape.With('c', 1),
		dtype:  dtype,
		g:      s.g,
	}
	cfg := s.cfg.CacheConfig("labels/" + name)
	la.array = operators.NewOpSparseLabelArray(s.g, nil, cfg)
	la.slot = &blockslot.SerialBlockSlot{
		Name:        name,
		Outputs:     la.array.Output,
		Inputs:      la.array.Input,
		Blocks:      la.array.NonzeroBlocks,
		Compression: voxflow.Zstd,
		NewLane:     la.connectZeros,
	}
	la.array.Input.Insert(0)
	if err := la.connectZeros(la.array.Input.Sub(0)); err != nil {
		s.g.Cleanup(la.array)
		return err
	}
	s.labels[name] = la
	voxflow.Infof("Added %s label array %q over volume %q\n", dtype, name, volumeName)
	return nil
}

// connectZeros gives a label lane its all-zero default content.
func (la *labelArray) connectZeros(lane *graph.InputSlot) error {
	zeros := operators.NewOpZeros(la.g, la.array)
	if err := zeros.Shape.SetValue(la.shape); err != nil {
		return err
	}
	if err := zeros.DType.SetValue(la.dtype); err != nil {
		return err
	}
	return lane.Connect(zeros.Output)
}

// WriteLabels stores labels at their location.  The data is converted to the label
// array's dtype.
func (s *Service) WriteLabels(ctx context.Context, name string, data *array5d.Array5D) error {
	la, err := s.labelArray(name)
	if err != nil {
		return err
	}
	if data.DType() != la.dtype {
		if data, err = data.Converted(la.dtype); err != nil {
			return err
		}
	}
	return la.array.Input.Sub(0).Write(ctx, data.Interval(), data)
}

// GetLabels returns the labels within roi.
func (s *Service) GetLabels(ctx context.Context, name string, roi voxflow.Slice5D) (*array5d.Array5D, error) {
	la, err := s.labelArray(name)
	if err != nil {
		return nil, err
	}
	return la.array.Output.Sub(0).Get(ctx, roi)
}

// LabelDType returns the dtype of a label array.
func (s *Service) LabelDType(name string) (array5d.DType, error) {
	la, err := s.labelArray(name)
	if err != nil {
		return 0, err
	}
	return la.dtype, nil
}

// store returns the store of an alias, opening it on first use.
func (s *Service) store(alias string) (storage.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if store, found := s.stores[alias]; found {
		return store, nil
	}
	cfg, err := s.cfg.StoreConfig(alias)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnknownData)
	}
	store, err := storage.NewStore(cfg)
	if err != nil {
		return nil, err
	}
	s.stores[alias] = store
	voxflow.Infof("Opened store %q: %s\n", alias, store)
	return store, nil
}

// SaveLabels writes the nonzero blocks of a label array to a store.
func (s *Service) SaveLabels(ctx context.Context, name, alias string) error {
	la, err := s.labelArray(name)
	if err != nil {
		return err
	}
	store, err := s.store(alias)
	if err != nil {
		return err
	}
	return la.slot.Serialize(ctx, store)
}

// LoadLabels replaces the content of a label array with the blocks saved in a store.
func (s *Service) LoadLabels(ctx context.Context, name, alias string) error {
	la, err := s.labelArray(name)
	if err != nil {
		return err
	}
	store, err := s.store(alias)
	if err != nil {
		return err
	}
	la.array.UnloadSlot(la.array.Input)
	return la.slot.Deserialize(ctx, store)
}

// superpixelSource resolves a label array or, failing that, a volume.
func (s *Service) superpixelSource(name string) (graph.Source, error) {
	if la, err := s.labelArray(name); err == nil {
		return la.array.Output.Sub(0), nil
	}
	v, err := s.volume(name)
	if err != nil {
		return nil, fmt.Errorf("superpixels %q: %w", name, ErrUnknownData)
	}
	return v.cache.Output, nil
}

// ragFeatures returns the feature operator for a pair of sources, creating it once.
func (s *Service) ragFeatures(labelsName, valuesName string) (*operators.OpRagFeatures, error) {
	key := labelsName + "/" + valuesName
	s.mu.RLock()
	op, found := s.rags[key]
	s.mu.RUnlock()
	if found {
		return op, nil
	}
	superpixels, err := s.superpixelSource(labelsName)
	if err != nil {
		return nil, err
	}
	values, err := s.volume(valuesName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if op, found := s.rags[key]; found {
		return op, nil
	}
	op = operators.NewOpRagFeatures(s.g, nil)
	if hr := s.cfg.HistogramRange(); hr != nil {
		if err := op.HistogramRange.SetValue(*hr); err != nil {
			return nil, err
		}
	}
	if err := op.Superpixels.Connect(superpixels); err != nil {
		s.g.Cleanup(op)
		return nil, err
	}
	if err := op.Values.Connect(values.cache.Output); err != nil {
		s.g.Cleanup(op)
		return nil, err
	}
	s.rags[key] = op
	return op, nil
}

// Features computes the named features of the adjacency graph of a label source over a
// value volume.  No names selects the configured defaults.
func (s *Service) Features(ctx context.Context, labelsName, valuesName string, names []string) (*rag.FeatureTable, error) {
	if len(names) == 0 {
		names = s.cfg.Rag.Features
	}
	for _, name := range names {
		if _, err := rag.ParseFeature(name); err != nil {
			return nil, err
		}
	}
	op, err := s.ragFeatures(labelsName, valuesName)
	if err != nil {
		return nil, err
	}
	s.ragMu.Lock()
	defer s.ragMu.Unlock()
	if err := op.FeatureNames.SetValue(names); err != nil {
		return nil, err
	}
	if err := op.SetupError(); err != nil {
		return nil, err
	}
	v, err := op.Features.Value(ctx)
	if err != nil {
		return nil, err
	}
	table, ok := v.(*rag.FeatureTable)
	if !ok {
		return nil, fmt.Errorf("features of %s hold %T: %w", op.Name(), v, voxflow.ErrIncompatibleSlotType)
	}
	return table, nil
}

// SaveRag writes the adjacency graph of a label source, labels included, to the group
// "rag/<labels>" of a store.
func (s *Service) SaveRag(ctx context.Context, labelsName, valuesName, alias string) (int, error) {
	op, err := s.ragFeatures(labelsName, valuesName)
	if err != nil {
		return 0, err
	}
	if err := op.SetupError(); err != nil {
		return 0, err
	}
	r, err := op.Rag(ctx)
	if err != nil {
		return 0, err
	}
	store, err := s.store(alias)
	if err != nil {
		return 0, err
	}
	if err := r.Serialize(ctx, store, storage.JoinPath("rag", labelsName), true); err != nil {
		return 0, err
	}
	return r.NumEdges(), nil
}

// Status reports the note and cache statistics of every volume and label array.
type Status struct {
	Note    string
	Volumes map[string]cache.Stats
	Labels  map[string]cache.Stats
	Stores  []string
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Note:    s.cfg.Server.Note,
		Volumes: make(map[string]cache.Stats, len(s.volumes)),
		Labels:  make(map[string]cache.Stats, len(s.labels)),
	}
	for name, v := range s.volumes {
		st.Volumes[name] = v.cache.Stats()
	}
	for name, la := range s.labels {
		st.Labels[name] = la.array.Lane(0).Stats()
	}
	for alias := range s.cfg.Store {
		st.Stores = append(st.Stores, alias)
	}
	sort.Strings(st.Stores)
	return st
}
