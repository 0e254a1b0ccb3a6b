// Package checkpoints saves and restores the full optimization state of a
// training run: model variables, optimizer variables, context hyperparameters
// and the run's epoch and best-metric counters.
//
// A checkpoint occupies one of two named slots, "latest" and "best", each a
// pair of files under the manager's directory: <slot>.json (metadata and
// variable index) and <slot>.bin (raw variable data). Saves go through
// temporary files and finish with renames, with the metadata rename last, so
// a crash mid-save never corrupts the previous checkpoint in the slot.
package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Slots a checkpoint can be saved under.
const (
	// SlotLatest is overwritten after every completed epoch.
	SlotLatest = "latest"

	// SlotBest is overwritten only when evaluation improves on the best
	// metric seen so far.
	SlotBest = "best"
)

const (
	metadataSuffix = ".json"
	dataSuffix     = ".bin"
	dirPermMode    = os.FileMode(0770)
)

// ErrCorruptCheckpoint reports a checkpoint whose files exist but cannot be
// decoded consistently: unparsable metadata, a data file shorter than the
// variable index claims, or out-of-range counters.
var ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

// metadata is the JSON side of a checkpoint.
type metadata struct {
	// Epoch counts completed training epochs at save time. A run restored
	// from this checkpoint resumes at this epoch.
	Epoch int

	// BestMetric is the best evaluation metric observed so far.
	BestMetric float64

	Params    []savedParam
	Variables []savedVar
}

// savedVar indexes one variable's raw data inside the .bin file.
type savedVar struct {
	// ParameterName is the variable's unique id: its scope joined with its name.
	ParameterName string

	Dimensions []int
	DType      dtypes.DType

	// Pos, Length in bytes in the data file.
	Pos, Length int
}

// savedParam carries one context hyperparameter. ValueType preserves the Go
// type, which the JSON decoder alone cannot recover from an `any` value.
type savedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// decodeTypeConvert undoes the JSON decoder's collapsing of all numbers into
// float64.
func (p *savedParam) decodeTypeConvert() {
	value, ok := p.Value.(float64)
	if !ok {
		return
	}
	switch p.ValueType {
	case "int":
		p.Value = int(value)
	case "int32":
		p.Value = int32(value)
	case "int64":
		p.Value = int64(value)
	case "float32":
		p.Value = float32(value)
	}
}

// Manager owns the checkpoint directory of one training run. It implements
// context.Loader: restored variable values are handed to the context on
// demand, as the model graph creates each variable for the first time.
type Manager struct {
	ctx *context.Context
	dir string

	mu sync.Mutex
	// loaded holds restored variable values not yet consumed by the context.
	loaded     map[string]*tensors.Tensor
	prevLoader context.Loader
}

// NewManager creates the checkpoint directory if needed and returns a manager
// bound to ctx. The manager does not load anything until Restore or
// RestoreWeights is called.
func NewManager(ctx *context.Context, dir string) (*Manager, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory must not be empty")
	}
	dir = ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, dirPermMode); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	return &Manager{ctx: ctx, dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// HasSlot reports whether the slot holds a complete checkpoint.
func (m *Manager) HasSlot(slot string) bool {
	if _, err := os.Stat(filepath.Join(m.dir, slot+metadataSuffix)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(m.dir, slot+dataSuffix))
	return err == nil
}

// Save writes the context's variables and hyperparameters plus the run
// counters into the slot, atomically replacing its previous contents.
//
// epoch is the number of completed epochs; a run restored from this
// checkpoint resumes training at that epoch.
func (m *Manager) Save(slot string, epoch int, bestMetric float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := &metadata{Epoch: epoch, BestMetric: bestMetric}
	m.ctx.EnumerateParams(func(scope, key string, value any) {
		meta.Params = append(meta.Params, savedParam{
			Scope: scope, Key: key, Value: value, ValueType: typeName(value)})
	})

	dataPath := filepath.Join(m.dir, slot+dataSuffix)
	metaPath := filepath.Join(m.dir, slot+metadataSuffix)
	dataTmp, metaTmp := dataPath+".tmp", metaPath+".tmp"

	dataFile, err := os.Create(dataTmp)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint data file %q", dataTmp)
	}
	defer os.Remove(dataTmp)

	pos := 0
	writeVar := func(name string, value *tensors.Tensor) error {
		var n, want int
		var writeErr error
		value.ConstBytes(func(raw []byte) {
			want = len(raw)
			n, writeErr = dataFile.Write(raw)
		})
		if writeErr != nil {
			return errors.Wrapf(writeErr, "writing variable %q", name)
		}
		if n != want {
			return errors.Errorf("short write for variable %q: %d of %d bytes", name, n, want)
		}
		meta.Variables = append(meta.Variables, savedVar{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType(),
			Pos:           pos,
			Length:        want,
		})
		pos += want
		return nil
	}

	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if err != nil {
			return
		}
		err = writeVar(v.ParameterName(), v.Value())
	})
	if err == nil {
		// Restored values the model graph never asked for yet still belong to
		// the run's state.
		for name, value := range m.loaded {
			if err = writeVar(name, value); err != nil {
				break
			}
		}
	}
	if err != nil {
		_ = dataFile.Close()
		return err
	}
	if err := dataFile.Close(); err != nil {
		return errors.Wrapf(err, "closing checkpoint data file %q", dataTmp)
	}

	metaFile, err := os.Create(metaTmp)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint metadata file %q", metaTmp)
	}
	defer os.Remove(metaTmp)
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "\t")
	if err := enc.Encode(meta); err != nil {
		_ = metaFile.Close()
		return errors.Wrapf(err, "encoding checkpoint metadata %q", metaTmp)
	}
	if err := metaFile.Close(); err != nil {
		return errors.Wrapf(err, "closing checkpoint metadata file %q", metaTmp)
	}

	// Data first, metadata last: a reader that sees the new metadata is
	// guaranteed to see the matching data.
	if err := os.Rename(dataTmp, dataPath); err != nil {
		return errors.Wrapf(err, "replacing checkpoint data %q", dataPath)
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		return errors.Wrapf(err, "replacing checkpoint metadata %q", metaPath)
	}
	klog.V(1).Infof("saved checkpoint %q: epoch=%d, best=%.4f, %d variables",
		slot, epoch, bestMetric, len(meta.Variables))
	return nil
}

// Restore loads the full state of a slot: hyperparameters are set on the
// context immediately, variable values are installed lazily through the
// context.Loader mechanism, and the saved run counters are returned.
//
// Restore must be called before the first graph execution materializes the
// model variables.
func (m *Manager) Restore(slot string) (epoch int, bestMetric float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, values, err := m.read(slot)
	if err != nil {
		return 0, 0, err
	}
	if meta.Epoch < 0 {
		return 0, 0, errors.WithMessagef(ErrCorruptCheckpoint, "slot %q: negative epoch %d", slot, meta.Epoch)
	}
	for _, p := range meta.Params {
		m.ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
	}
	m.install(values)
	klog.V(1).Infof("restored checkpoint %q: epoch=%d, best=%.4f, %d variables",
		slot, meta.Epoch, meta.BestMetric, len(values))
	return meta.Epoch, meta.BestMetric, nil
}

// RestoreWeights loads only the variable values of a slot, ignoring
// hyperparameters and run counters. Used to start a fresh run from pretrained
// weights: variables absent from the checkpoint keep their initializers, so a
// partially matching checkpoint (e.g. a different classifier head) still
// works, with a warning.
func (m *Manager) RestoreWeights(slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, values, err := m.read(slot)
	if err != nil {
		return err
	}
	m.install(values)
	klog.Infof("loaded %d pretrained variables from %q; variables not in the checkpoint keep their initializers",
		len(values), slot)
	return nil
}

// read decodes one slot into its metadata and variable values.
func (m *Manager) read(slot string) (*metadata, map[string]*tensors.Tensor, error) {
	metaPath := filepath.Join(m.dir, slot+metadataSuffix)
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening checkpoint metadata %q", metaPath)
	}
	defer metaFile.Close()
	meta := &metadata{}
	if err := json.NewDecoder(metaFile).Decode(meta); err != nil {
		return nil, nil, errors.WithMessagef(ErrCorruptCheckpoint, "slot %q: decoding metadata: %v", slot, err)
	}
	for ii := range meta.Params {
		meta.Params[ii].decodeTypeConvert()
	}

	dataPath := filepath.Join(m.dir, slot+dataSuffix)
	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening checkpoint data %q", dataPath)
	}
	defer dataFile.Close()

	values := make(map[string]*tensors.Tensor, len(meta.Variables))
	for _, varInfo := range meta.Variables {
		value := tensors.FromShape(shapes.Make(varInfo.DType, varInfo.Dimensions...))
		var n, want int
		var readErr error
		value.MutableBytes(func(data []byte) {
			want = len(data)
			n, readErr = dataFile.ReadAt(data, int64(varInfo.Pos))
		})
		if readErr != nil || n != want {
			return nil, nil, errors.WithMessagef(ErrCorruptCheckpoint,
				"slot %q: variable %q wants %d bytes at offset %d, read %d (%v)",
				slot, varInfo.ParameterName, want, varInfo.Pos, n, readErr)
		}
		values[varInfo.ParameterName] = value
	}
	return meta, values, nil
}

// install makes values available through the Loader interface and hooks the
// manager into the context's loader chain, preserving any previous loader.
func (m *Manager) install(values map[string]*tensors.Tensor) {
	if m.loaded == nil {
		m.loaded = values
	} else {
		for name, value := range values {
			m.loaded[name] = value
		}
	}
	if current := m.ctx.Loader(); current != m {
		m.prevLoader = current
		m.ctx.SetLoader(m)
	}
}

// LoadVariable implements context.Loader. Values are consumed: each restored
// value is handed to the context exactly once.
func (m *Manager) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if m.prevLoader != nil {
		if value, found = m.prevLoader.LoadVariable(ctx, scope, name); found {
			return
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	paramName := context.VariableParameterNameFromScopeAndName(scope, name)
	value, found = m.loaded[paramName]
	if found {
		delete(m.loaded, paramName)
	}
	return
}

// DeleteVariable implements context.Loader.
func (m *Manager) DeleteVariable(ctx *context.Context, scope, name string) {
	if m.prevLoader != nil {
		m.prevLoader.DeleteVariable(ctx, scope, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loaded, context.VariableParameterNameFromScopeAndName(scope, name))
}

func typeName(value any) string {
	switch value.(type) {
	case int:
		return "int"
	case int32:
		return "int32"
	case int64:
		return "int64"
	case float32:
		return "float32"
	case float64:
		return "float64"
	case bool:
		return "bool"
	case string:
		return "string"
	}
	return ""
}

// ReplaceTildeInDir expands a leading "~" to the user's home directory.
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, dir[1:])
}
