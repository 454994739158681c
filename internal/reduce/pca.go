package reduce

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/atlasbio/morpho/internal/errors"
	"github.com/atlasbio/morpho/internal/feature"
)

// runPCA projects the matrix onto its leading principal components.
//
// The input is always standardized here, independent of the run-level
// standardization flag: PCA is scale-sensitive and its scaling is part of
// the algorithm, not of the user preprocessing.
//
// When PCAComponents is positive and at most the column count, exactly
// that many components are returned. Otherwise the full decomposition is
// computed and the smallest prefix whose cumulative explained-variance
// ratio reaches ExplainedVariance/100 is kept.
func runPCA(m *mat.Dense, p Params) (*mat.Dense, error) {
	rows, cols := m.Dims()
	if rows < 2 {
		return nil, errors.NewAlgorithmError("pca", "need at least 2 rows").
			WithContext("rows", rows)
	}

	scaled := feature.Standardize(m)

	var pc stat.PC
	if ok := pc.PrincipalComponents(scaled, nil); !ok {
		return nil, errors.NewAlgorithmError("pca", "principal component decomposition failed")
	}

	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	k := p.PCAComponents
	if k <= 0 || k > cols {
		k = selectByExplainedVariance(vars, p.ExplainedVariance/100)
	}
	if k > len(vars) {
		// Fewer components exist than requested when rows-1 < cols.
		k = len(vars)
	}

	var proj mat.Dense
	proj.Mul(scaled, vecs.Slice(0, cols, 0, k))
	return &proj, nil
}

// selectByExplainedVariance returns the smallest prefix length of the
// decreasing-variance component list whose cumulative explained-variance
// ratio meets the threshold.
func selectByExplainedVariance(vars []float64, threshold float64) int {
	total := 0.0
	for _, v := range vars {
		total += v
	}
	if total <= 0 {
		return len(vars)
	}

	cum := 0.0
	for i, v := range vars {
		cum += v / total
		if cum >= threshold {
			return i + 1
		}
	}
	return len(vars)
}
