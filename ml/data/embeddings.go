package data

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// KB embedding table file names under the embeddings directory. The trivial
// variants are ablation tables (e.g. random or zero embeddings) used to test
// that the KB signal, not just the extra capacity, drives the score.
const (
	EntityEmbeddingsFile          = "entity_embedding.npy"
	RelationEmbeddingsFile        = "relation_embedding.npy"
	TrivialEntityEmbeddingsFile   = "trivial_entity_embedding.npy"
	TrivialRelationEmbeddingsFile = "trivial_relation_embedding.npy"
)

// Embeddings are the knowledge-base tables injected into the model, one
// embedding row per entity/relation id.
type Embeddings struct {
	Entities  *mat.Dense
	Relations *mat.Dense
}

// LoadEmbeddings reads the entity and relation embedding tables from NumPy
// .npy files under dir. With trivial set, the trivial_* ablation tables are
// read instead.
func LoadEmbeddings(dir string, trivial bool) (*Embeddings, error) {
	entityFile, relationFile := EntityEmbeddingsFile, RelationEmbeddingsFile
	if trivial {
		entityFile, relationFile = TrivialEntityEmbeddingsFile, TrivialRelationEmbeddingsFile
	}
	entities, err := readMatrix(filepath.Join(dir, entityFile))
	if err != nil {
		return nil, err
	}
	relations, err := readMatrix(filepath.Join(dir, relationFile))
	if err != nil {
		return nil, err
	}
	klog.Infof("embeddings loaded.")
	return &Embeddings{Entities: entities, Relations: relations}, nil
}

func readMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open embedding table %q", path)
	}
	defer func() { _ = f.Close() }()
	var m mat.Dense
	if err := npyio.Read(f, &m); err != nil {
		return nil, errors.Wrapf(err, "failed to read embedding table %q", path)
	}
	return &m, nil
}

// WriteMatrix saves a matrix as a .npy file.
func WriteMatrix(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if err := npyio.Write(f, m); err != nil {
		return errors.Wrapf(err, "failed to write matrix to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}

// WriteClasses saves a flat class-index vector as a .npy file.
func WriteClasses(path string, classes []int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	v := make([]int64, len(classes))
	for i, c := range classes {
		v[i] = int64(c)
	}
	if err := npyio.Write(f, v); err != nil {
		return errors.Wrapf(err, "failed to write classes to %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", path)
}
