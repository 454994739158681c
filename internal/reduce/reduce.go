// Package reduce implements the three dimensionality reduction algorithms
// (UMAP, t-SNE, PCA) behind a shared contract: a feature matrix plus
// parameters in, an embedding with the same row count out.
package reduce

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
)

// Algorithm identifies one of the supported reduction algorithms.
type Algorithm string

const (
	UMAP Algorithm = "UMAP"
	TSNE Algorithm = "t-SNE"
	PCA  Algorithm = "PCA"
)

// Fixed random seeds so repeated runs on the same input agree.
const (
	umapSeed = 133
	tsneSeed = 42
)

// ParseAlgorithm maps a user-supplied name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case UMAP, TSNE, PCA:
		return Algorithm(name), nil
	case "":
		return "", errors.NewValidationError("reduce.parse_algorithm", "no algorithm selected")
	default:
		return "", errors.NewValidationError("reduce.parse_algorithm",
			fmt.Sprintf("unknown algorithm %q", name))
	}
}

// Params carries the union of algorithm parameters. Each algorithm reads
// only its own fields.
type Params struct {
	// NNeighbors is the UMAP local neighborhood size, at least 2.
	NNeighbors int
	// Perplexity is the t-SNE effective neighborhood size, at least 1.
	Perplexity float64
	// NComponents is the embedding dimension for UMAP and t-SNE.
	NComponents int
	// PCAComponents is the requested number of principal components;
	// 0 selects automatically by explained variance.
	PCAComponents int
	// ExplainedVariance is the cumulative explained-variance threshold
	// in percent (1-100) used when PCAComponents is 0.
	ExplainedVariance float64
}

// DefaultParams mirrors the defaults offered to the user.
func DefaultParams() Params {
	return Params{
		NNeighbors:        15,
		Perplexity:        30,
		NComponents:       2,
		PCAComponents:     0,
		ExplainedVariance: 95,
	}
}

// Validate checks the parameter ranges relevant for the given algorithm.
// Row-count dependent constraints are checked by the algorithms themselves.
func (p Params) Validate(algo Algorithm) error {
	if p.NComponents < 1 {
		return errors.NewValidationError("reduce.params", "n_components must be at least 1")
	}
	switch algo {
	case UMAP:
		if p.NNeighbors < 2 {
			return errors.NewValidationError("reduce.params", "n_neighbors must be at least 2")
		}
	case TSNE:
		if p.Perplexity < 1 {
			return errors.NewValidationError("reduce.params", "perplexity must be at least 1")
		}
	case PCA:
		if p.PCAComponents < 0 {
			return errors.NewValidationError("reduce.params", "pca_components must not be negative")
		}
		if p.ExplainedVariance < 1 || p.ExplainedVariance > 100 {
			return errors.NewValidationError("reduce.params", "explained_variance must be between 1 and 100")
		}
	default:
		return errors.NewValidationError("reduce.params", fmt.Sprintf("unknown algorithm %q", algo))
	}
	return nil
}

// Result pairs an algorithm identifier with the embedding it produced.
// The embedding always has the same row count as the input matrix.
type Result struct {
	Algorithm Algorithm
	Embedding *mat.Dense
}

// OutputPrefix returns the column-name prefix a merge of this result must
// clear first. Only PCA output is exclusive; UMAP and t-SNE overwrite
// their fixed names in place.
func (r Result) OutputPrefix() string {
	if r.Algorithm == PCA {
		return "PC_"
	}
	return ""
}

// ColumnNames returns the output column names: PC_i for PCA, ALGO_i for
// UMAP and t-SNE.
func (r Result) ColumnNames() []string {
	_, c := r.Embedding.Dims()
	names := make([]string, c)
	for i := range names {
		if r.Algorithm == PCA {
			names[i] = fmt.Sprintf("PC_%d", i)
		} else {
			names[i] = fmt.Sprintf("%s_%d", r.Algorithm, i)
		}
	}
	return names
}

// Columns returns the embedding as per-column slices, ready for a table merge.
func (r Result) Columns() [][]float64 {
	rows, c := r.Embedding.Dims()
	out := make([][]float64, c)
	for j := 0; j < c; j++ {
		col := make([]float64, rows)
		for i := 0; i < rows; i++ {
			col[i] = r.Embedding.At(i, j)
		}
		out[j] = col
	}
	return out
}

// Reduce dispatches the feature matrix to the selected algorithm. The
// caller is responsible for running the NaN guard first; Reduce assumes
// clean input.
func Reduce(m *mat.Dense, algo Algorithm, p Params) (Result, error) {
	if err := p.Validate(algo); err != nil {
		return Result{}, err
	}

	var embedding *mat.Dense
	var err error
	switch algo {
	case UMAP:
		embedding, err = runUMAP(m, p)
	case TSNE:
		embedding, err = runTSNE(m, p)
	case PCA:
		embedding, err = runPCA(m, p)
	default:
		err = errors.NewValidationError("reduce", fmt.Sprintf("unknown algorithm %q", algo))
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Algorithm: algo, Embedding: embedding}, nil
}
