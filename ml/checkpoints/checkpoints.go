// Package checkpoints implements checkpoint persistence for fine-tuning
// runs: the model weights and the full run configuration are always written
// together, so a checkpoint directory is self-consistent and sufficient to
// reproduce the run.
//
// A checkpoint directory holds three files: the raw weight data
// (weights.bin), a manifest describing each saved parameter and its position
// in the data file (manifest.json), and the serialized run configuration
// (training_args.json).
//
// The main object is the Handler, created by calling Build, followed by the
// options, and finally Config.Done:
//
//	handler, err := checkpoints.Build(dir).HalfPrecision().Done()
//	...
//	err = handler.Save(model.Parameters(), runConfig)
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/medkb/kbert/ml/model"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Checkpoint file names, fixed per run directory. Saving overwrites in
// place: there is exactly one checkpoint per directory.
const (
	WeightsFileName  = "weights.bin"
	ManifestFileName = "manifest.json"
	ArgsFileName     = "training_args.json"
)

// DType names used in manifests.
const (
	dtypeFloat32 = "float32"
	dtypeFloat16 = "float16"
)

// Config for the checkpoints Handler to be created. Build() creates it,
// Done() finishes it.
type Config struct {
	dir  string
	half bool
	err  error
}

// Build a configuration for a checkpoints.Handler writing to dir. The
// directory is created if needed.
func Build(dir string) *Config {
	c := &Config{dir: dir}
	if dir == "" {
		c.err = errors.Errorf("directory for checkpoints not configured or empty")
		return c
	}
	fi, err := os.Stat(dir)
	if err == nil && !fi.IsDir() {
		c.err = errors.Errorf("checkpoint path %q exists but is not a directory", dir)
		return c
	}
	if err != nil {
		if !os.IsNotExist(err) {
			c.err = errors.Wrapf(err, "failed to os.Stat(%q)", dir)
			return c
		}
		if err = os.MkdirAll(dir, DirPermMode); err != nil {
			c.err = errors.Wrapf(err, "trying to create dir %q", dir)
		}
	}
	return c
}

// HalfPrecision stores weight data as float16. Halves checkpoint size at the
// cost of precision in the saved weights; loading converts back to float32.
func (c *Config) HalfPrecision() *Config {
	c.half = true
	return c
}

// Done creates the Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &Handler{dir: c.dir, half: c.half}, nil
}

// Handler saves and loads checkpoints for one run directory.
type Handler struct {
	dir  string
	half bool
}

// savedVar describes one parameter in the weights file.
type savedVar struct {
	Name   string `json:"name"`
	Dims   []int  `json:"dims"`
	DType  string `json:"dtype"`
	Pos    int    `json:"pos"`
	Length int    `json:"length"`
}

// manifest is the content of manifest.json.
type manifest struct {
	Variables []savedVar `json:"variables"`
}

// Dir returns the directory the Handler writes to.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.dir
}

// Save writes the parameters and the run configuration together,
// overwriting any previous checkpoint in the directory. args must be
// JSON-serializable.
func (h *Handler) Save(params []*model.Parameter, args any) error {
	weightsPath := filepath.Join(h.dir, WeightsFileName)
	weightsFile, err := os.Create(weightsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint data file %q", weightsPath)
	}

	m := manifest{Variables: make([]savedVar, 0, len(params))}
	pos := 0
	for _, p := range params {
		raw := encodeValues(p.Value, h.half)
		n, err := weightsFile.Write(raw)
		if err != nil {
			return errors.Wrapf(err, "failed to write parameter %q to %q", p.Name, weightsPath)
		}
		if n != len(raw) {
			return errors.Errorf("failed to write parameter %q -- %d bytes requested, %d written",
				p.Name, len(raw), n)
		}
		dtype := dtypeFloat32
		if h.half {
			dtype = dtypeFloat16
		}
		m.Variables = append(m.Variables, savedVar{
			Name:   p.Name,
			Dims:   slices.Clone(p.Dims),
			DType:  dtype,
			Pos:    pos,
			Length: len(raw),
		})
		pos += len(raw)
	}
	if err = weightsFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint data file %q", weightsPath)
	}

	if err = writeJSON(filepath.Join(h.dir, ManifestFileName), &m); err != nil {
		return err
	}
	return writeJSON(filepath.Join(h.dir, ArgsFileName), args)
}

// Load reads the checkpoint in the directory into the given parameters,
// matched by name. Every parameter must be present with matching dims.
func (h *Handler) Load(params []*model.Parameter) error {
	var m manifest
	if err := readJSON(filepath.Join(h.dir, ManifestFileName), &m); err != nil {
		return err
	}
	byName := make(map[string]savedVar, len(m.Variables))
	for _, v := range m.Variables {
		byName[v.Name] = v
	}

	weightsPath := filepath.Join(h.dir, WeightsFileName)
	raw, err := os.ReadFile(weightsPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read checkpoint data file %q", weightsPath)
	}
	for _, p := range params {
		v, found := byName[p.Name]
		if !found {
			return errors.Errorf("checkpoint %q has no parameter %q", h.dir, p.Name)
		}
		if !slices.Equal(v.Dims, p.Dims) {
			return errors.Errorf("parameter %q has dims %v in checkpoint %q, model expects %v",
				p.Name, v.Dims, h.dir, p.Dims)
		}
		if v.Pos+v.Length > len(raw) {
			return errors.Errorf("parameter %q data [%d, %d) out of bounds of %q (%d bytes)",
				p.Name, v.Pos, v.Pos+v.Length, weightsPath, len(raw))
		}
		if err = decodeValues(raw[v.Pos:v.Pos+v.Length], v.DType, p.Value); err != nil {
			return errors.WithMessagef(err, "parameter %q in checkpoint %q", p.Name, h.dir)
		}
	}
	return nil
}

// LoadArgs reads the run configuration saved along a checkpoint.
func LoadArgs(dir string, into any) error {
	return readJSON(filepath.Join(dir, ArgsFileName), into)
}

// Exists reports whether dir holds a complete checkpoint.
func Exists(dir string) bool {
	for _, name := range []string{WeightsFileName, ManifestFileName, ArgsFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

func encodeValues(values []float32, half bool) []byte {
	if half {
		raw := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
		return raw
	}
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return raw
}

func decodeValues(raw []byte, dtype string, into []float32) error {
	switch dtype {
	case dtypeFloat16:
		if len(raw) != 2*len(into) {
			return errors.Errorf("have %d bytes of float16 data for %d values", len(raw), len(into))
		}
		for i := range into {
			into[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	case dtypeFloat32:
		if len(raw) != 4*len(into) {
			return errors.Errorf("have %d bytes of float32 data for %d values", len(raw), len(into))
		}
		for i := range into {
			into[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	default:
		return errors.Errorf("unsupported dtype %q", dtype)
	}
	return nil
}

func writeJSON(path string, value any) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(value); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

func readJSON(path string, into any) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	if err = json.NewDecoder(f).Decode(into); err != nil {
		return errors.Wrapf(err, "failed to decode %q", path)
	}
	return nil
}
