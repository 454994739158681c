package reduce

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/atlasbio/morpho/internal/errors"
)

// t-SNE gradient descent schedule, following van der Maaten's reference
// parameters with the automatic learning rate used by scikit-learn.
const (
	tsneMaxIter      = 1000
	tsneExagIter     = 250
	tsneExaggeration = 12.0
	tsneMinGain      = 0.01
)

// runTSNE computes an exact (dense) t-SNE embedding. The embedding is
// initialized from the leading principal components of the input rather
// than at random, which keeps repeated runs on the same data comparable.
func runTSNE(m *mat.Dense, p Params) (*mat.Dense, error) {
	n, _ := m.Dims()
	if n < 2 {
		return nil, errors.NewAlgorithmError("tsne", "need at least 2 rows").
			WithContext("rows", n)
	}
	if p.Perplexity >= float64(n) {
		return nil, errors.NewAlgorithmError("tsne", "perplexity must be less than the number of rows").
			WithContext("perplexity", p.Perplexity).
			WithContext("rows", n)
	}

	P := jointProbabilities(m, p.Perplexity)
	Y := pcaInit(m, p.NComponents, 1e-4, tsneSeed)

	k := p.NComponents
	lr := math.Max(float64(n)/(tsneExaggeration*4), 50)

	// Early exaggeration inflates attractive forces to let clusters form.
	P.Scale(tsneExaggeration, P)

	update := mat.NewDense(n, k, nil)
	gains := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			gains.Set(i, j, 1)
		}
	}

	grad := mat.NewDense(n, k, nil)
	Q := mat.NewDense(n, n, nil)
	momentum := 0.5

	for iter := 0; iter < tsneMaxIter; iter++ {
		if iter == tsneExagIter {
			P.Scale(1/tsneExaggeration, P)
			momentum = 0.8
		}

		tsneGradient(P, Y, Q, grad)

		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				g := grad.At(i, j)
				u := update.At(i, j)
				gain := gains.At(i, j)
				// Increase gain when gradient and velocity disagree.
				if (g > 0) != (u > 0) {
					gain += 0.2
				} else {
					gain *= 0.8
				}
				if gain < tsneMinGain {
					gain = tsneMinGain
				}
				gains.Set(i, j, gain)

				u = momentum*u - lr*gain*g
				update.Set(i, j, u)
				Y.Set(i, j, Y.At(i, j)+u)
			}
		}
	}

	return Y, nil
}

// tsneGradient writes the KL-divergence gradient dC/dY into grad, reusing
// Q as scratch for the low-dimensional affinities.
func tsneGradient(P, Y, Q, grad *mat.Dense) {
	n, k := Y.Dims()

	// Student-t affinities q_ij = (1 + |y_i - y_j|^2)^-1, normalized.
	sumQ := 0.0
	for i := 0; i < n; i++ {
		Q.Set(i, i, 0)
		for j := i + 1; j < n; j++ {
			d2 := 0.0
			for c := 0; c < k; c++ {
				d := Y.At(i, c) - Y.At(j, c)
				d2 += d * d
			}
			q := 1 / (1 + d2)
			Q.Set(i, j, q)
			Q.Set(j, i, q)
			sumQ += 2 * q
		}
	}
	if sumQ < 1e-12 {
		sumQ = 1e-12
	}

	for i := 0; i < n; i++ {
		for c := 0; c < k; c++ {
			grad.Set(i, c, 0)
		}
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			qn := Q.At(i, j) / sumQ
			if qn < 1e-12 {
				qn = 1e-12
			}
			mult := 4 * (P.At(i, j) - qn) * Q.At(i, j)
			for c := 0; c < k; c++ {
				grad.Set(i, c, grad.At(i, c)+mult*(Y.At(i, c)-Y.At(j, c)))
			}
		}
	}
}

// jointProbabilities converts pairwise distances into symmetric joint
// probabilities, searching a per-row bandwidth so each row's conditional
// distribution has the requested perplexity.
func jointProbabilities(m *mat.Dense, perplexity float64) *mat.Dense {
	n, d := m.Dims()

	D := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d2 := 0.0
			for c := 0; c < d; c++ {
				diff := m.At(i, c) - m.At(j, c)
				d2 += diff * diff
			}
			D.Set(i, j, d2)
			D.Set(j, i, d2)
		}
	}

	P := mat.NewDense(n, n, nil)
	target := math.Log(perplexity)
	row := make([]float64, n)

	for i := 0; i < n; i++ {
		beta := 1.0
		betaMin := math.Inf(-1)
		betaMax := math.Inf(1)

		for tries := 0; tries < 50; tries++ {
			sum := 0.0
			for j := 0; j < n; j++ {
				if j == i {
					row[j] = 0
					continue
				}
				row[j] = math.Exp(-D.At(i, j) * beta)
				sum += row[j]
			}
			if sum < 1e-300 {
				sum = 1e-300
			}

			// Shannon entropy of the conditional distribution.
			h := 0.0
			for j := 0; j < n; j++ {
				if j == i || row[j] == 0 {
					continue
				}
				pj := row[j] / sum
				h -= pj * math.Log(pj)
			}

			diff := h - target
			if math.Abs(diff) < 1e-5 {
				break
			}
			if diff > 0 {
				betaMin = beta
				if math.IsInf(betaMax, 1) {
					beta *= 2
				} else {
					beta = (beta + betaMax) / 2
				}
			} else {
				betaMax = beta
				if math.IsInf(betaMin, -1) {
					beta /= 2
				} else {
					beta = (beta + betaMin) / 2
				}
			}
		}

		sum := 0.0
		for j := 0; j < n; j++ {
			sum += row[j]
		}
		if sum < 1e-300 {
			sum = 1e-300
		}
		for j := 0; j < n; j++ {
			P.Set(i, j, row[j]/sum)
		}
	}

	// Symmetrize and normalize to joint probabilities.
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			p := (P.At(i, j) + P.At(j, i)) / (2 * float64(n))
			if p < 1e-12 {
				p = 1e-12
			}
			P.Set(i, j, p)
			P.Set(j, i, p)
		}
		P.Set(i, i, 0)
	}
	return P
}

// pcaInit seeds an embedding from the leading principal components of m,
// rescaled so the first coordinate has standard deviation `scale`. Missing
// rank is padded with small seeded Gaussian noise so the requested
// dimension is always met.
func pcaInit(m *mat.Dense, k int, scale float64, seed int64) *mat.Dense {
	n, d := m.Dims()
	out := mat.NewDense(n, k, nil)
	rng := rand.New(rand.NewSource(seed))

	avail := 0
	var pc stat.PC
	if pc.PrincipalComponents(m, nil) {
		var vecs mat.Dense
		pc.VectorsTo(&vecs)
		_, nc := vecs.Dims()
		avail = nc
		if avail > k {
			avail = k
		}
		if avail > 0 {
			var proj mat.Dense
			proj.Mul(m, vecs.Slice(0, d, 0, avail))
			for i := 0; i < n; i++ {
				for j := 0; j < avail; j++ {
					out.Set(i, j, proj.At(i, j))
				}
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := avail; j < k; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}

	sd := colStd(out, 0)
	if sd < 1e-12 {
		// Degenerate input, fall back to pure noise at the target scale.
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				out.Set(i, j, rng.NormFloat64()*scale)
			}
		}
		return out
	}
	out.Scale(scale/sd, out)
	return out
}

func colStd(m *mat.Dense, col int) float64 {
	n, _ := m.Dims()
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += m.At(i, col)
	}
	mean := sum / float64(n)
	sumSq := 0.0
	for i := 0; i < n; i++ {
		d := m.At(i, col) - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n))
}
