package reduce

import (
	"math"
	"math/rand"
	"sort"

	"github.com/coder/hnsw"
	"gonum.org/v1/gonum/mat"

	"github.com/atlasbio/morpho/internal/errors"
)

// Layout constants. The curve parameters a and b approximate the fuzzy
// set membership for the default min_dist of 0.1.
const (
	umapEpochs      = 300
	umapNegSamples  = 5
	umapCurveA      = 1.577
	umapCurveB      = 0.8951
	umapInitScale   = 10.0
	umapGradientCap = 4.0
)

type umapEdge struct {
	from, to int
	weight   float64
}

// runUMAP computes a UMAP embedding: an approximate k-nearest-neighbor
// graph over the rows, fuzzy simplicial set weights, then a
// negative-sampling SGD layout. Neighbor search runs on an HNSW graph.
func runUMAP(m *mat.Dense, p Params) (*mat.Dense, error) {
	n, _ := m.Dims()
	if p.NNeighbors >= n {
		return nil, errors.NewAlgorithmError("umap", "n_neighbors must be less than the number of rows").
			WithContext("n_neighbors", p.NNeighbors).
			WithContext("rows", n)
	}

	neighbors, dists := knnGraph(m, p.NNeighbors)
	edges := fuzzyEdges(neighbors, dists, n, p.NNeighbors)

	Y := pcaInit(m, p.NComponents, 1.0, umapSeed)
	rescaleToRange(Y, umapInitScale)

	k := p.NComponents
	rng := rand.New(rand.NewSource(umapSeed))

	maxW := 0.0
	for _, e := range edges {
		if e.weight > maxW {
			maxW = e.weight
		}
	}
	if maxW <= 0 {
		maxW = 1
	}

	for epoch := 0; epoch < umapEpochs; epoch++ {
		alpha := 1.0 - float64(epoch)/float64(umapEpochs)

		for _, e := range edges {
			// Sample edges proportionally to their membership strength.
			if rng.Float64() > e.weight/maxW {
				continue
			}

			applyAttraction(Y, e.from, e.to, k, alpha)
			for s := 0; s < umapNegSamples; s++ {
				j := rng.Intn(n)
				if j == e.from {
					continue
				}
				applyRepulsion(Y, e.from, j, k, alpha)
			}
		}
	}

	return Y, nil
}

// knnGraph finds the NNeighbors nearest rows for every row using HNSW.
// Distances are recomputed in float64 from the original matrix.
func knnGraph(m *mat.Dense, k int) ([][]int, [][]float64) {
	n, d := m.Dims()

	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, d)
		for j := 0; j < d; j++ {
			v[j] = float32(m.At(i, j))
		}
		vecs[i] = v
	}

	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.EuclideanDistance
	// Level assignment is randomized; pin it so repeated runs build the
	// same graph and the layout stays reproducible.
	g.Rng = rand.New(rand.NewSource(umapSeed))
	g.M = 16
	g.EfSearch = 4 * (k + 1)
	for i := 0; i < n; i++ {
		g.Add(hnsw.MakeNode(i, vecs[i]))
	}

	neighbors := make([][]int, n)
	dists := make([][]float64, n)
	for i := 0; i < n; i++ {
		found := g.Search(vecs[i], k+1)

		ids := make([]int, 0, k)
		for _, node := range found {
			if node.Key == i {
				continue
			}
			ids = append(ids, node.Key)
			if len(ids) == k {
				break
			}
		}
		// HNSW search can miss at small scale; top up exhaustively.
		if len(ids) < k {
			ids = exactNeighbors(m, i, k)
		}

		ds := make([]float64, len(ids))
		for idx, j := range ids {
			ds[idx] = rowDistance(m, i, j)
		}
		sortByDistance(ids, ds)
		neighbors[i] = ids
		dists[i] = ds
	}
	return neighbors, dists
}

func exactNeighbors(m *mat.Dense, i, k int) []int {
	n, _ := m.Dims()
	type cand struct {
		id   int
		dist float64
	}
	cands := make([]cand, 0, n-1)
	for j := 0; j < n; j++ {
		if j == i {
			continue
		}
		cands = append(cands, cand{j, rowDistance(m, i, j)})
	}
	sort.Slice(cands, func(a, b int) bool { return cands[a].dist < cands[b].dist })
	if k > len(cands) {
		k = len(cands)
	}
	ids := make([]int, k)
	for idx := 0; idx < k; idx++ {
		ids[idx] = cands[idx].id
	}
	return ids
}

func rowDistance(m *mat.Dense, i, j int) float64 {
	_, d := m.Dims()
	sum := 0.0
	for c := 0; c < d; c++ {
		diff := m.At(i, c) - m.At(j, c)
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

func sortByDistance(ids []int, ds []float64) {
	idx := make([]int, len(ids))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return ds[idx[a]] < ds[idx[b]] })

	sortedIDs := make([]int, len(ids))
	sortedDs := make([]float64, len(ds))
	for i, ix := range idx {
		sortedIDs[i] = ids[ix]
		sortedDs[i] = ds[ix]
	}
	copy(ids, sortedIDs)
	copy(ds, sortedDs)
}

// fuzzyEdges converts the kNN graph into a symmetric weighted edge list.
// Each row gets a local connectivity offset rho (distance to the nearest
// neighbor) and a bandwidth sigma found by binary search so the total
// membership matches log2(k), following the UMAP construction.
func fuzzyEdges(neighbors [][]int, dists [][]float64, n, k int) []umapEdge {
	target := math.Log2(float64(k))
	weights := make(map[[2]int]float64, n*k)

	for i := 0; i < n; i++ {
		rho := 0.0
		for _, d := range dists[i] {
			if d > 0 {
				rho = d
				break
			}
		}

		sigma := smoothKNNDistance(dists[i], rho, target)

		for idx, j := range neighbors[i] {
			d := dists[i][idx]
			var w float64
			if d <= rho {
				w = 1.0
			} else {
				w = math.Exp(-(d - rho) / sigma)
			}
			weights[[2]int{i, j}] = w
		}
	}

	// Symmetrize by fuzzy set union: w = a + b - a*b.
	edges := make([]umapEdge, 0, len(weights))
	seen := make(map[[2]int]bool, len(weights))
	for key, w := range weights {
		i, j := key[0], key[1]
		lo, hi := i, j
		if lo > hi {
			lo, hi = hi, lo
		}
		if seen[[2]int{lo, hi}] {
			continue
		}
		seen[[2]int{lo, hi}] = true

		wT := weights[[2]int{j, i}]
		union := w + wT - w*wT
		if union > 0 {
			edges = append(edges, umapEdge{from: i, to: j, weight: union})
		}
	}
	// Map iteration order is random; sort for a reproducible layout.
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].from != edges[b].from {
			return edges[a].from < edges[b].from
		}
		return edges[a].to < edges[b].to
	})
	return edges
}

func smoothKNNDistance(dists []float64, rho, target float64) float64 {
	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < 64; iter++ {
		sum := 0.0
		for _, d := range dists {
			if d <= rho {
				sum += 1.0
				continue
			}
			sum += math.Exp(-(d - rho) / mid)
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	if mid < 1e-10 {
		mid = 1e-10
	}
	return mid
}

func applyAttraction(Y *mat.Dense, i, j, k int, alpha float64) {
	d2 := 0.0
	for c := 0; c < k; c++ {
		diff := Y.At(i, c) - Y.At(j, c)
		d2 += diff * diff
	}
	if d2 <= 0 {
		return
	}
	coeff := -2 * umapCurveA * umapCurveB * math.Pow(d2, umapCurveB-1)
	coeff /= 1 + umapCurveA*math.Pow(d2, umapCurveB)

	for c := 0; c < k; c++ {
		g := clampGradient(coeff * (Y.At(i, c) - Y.At(j, c)))
		Y.Set(i, c, Y.At(i, c)+alpha*g)
		Y.Set(j, c, Y.At(j, c)-alpha*g)
	}
}

func applyRepulsion(Y *mat.Dense, i, j, k int, alpha float64) {
	d2 := 0.0
	for c := 0; c < k; c++ {
		diff := Y.At(i, c) - Y.At(j, c)
		d2 += diff * diff
	}
	coeff := 2 * umapCurveB
	coeff /= (0.001 + d2) * (1 + umapCurveA*math.Pow(d2, umapCurveB))

	for c := 0; c < k; c++ {
		g := clampGradient(coeff * (Y.At(i, c) - Y.At(j, c)))
		Y.Set(i, c, Y.At(i, c)+alpha*g)
	}
}

func clampGradient(g float64) float64 {
	if g > umapGradientCap {
		return umapGradientCap
	}
	if g < -umapGradientCap {
		return -umapGradientCap
	}
	return g
}

// rescaleToRange spreads the initial embedding into [-limit, limit].
func rescaleToRange(Y *mat.Dense, limit float64) {
	n, k := Y.Dims()
	maxAbs := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			if a := math.Abs(Y.At(i, j)); a > maxAbs {
				maxAbs = a
			}
		}
	}
	if maxAbs < 1e-12 {
		return
	}
	Y.Scale(limit/maxAbs, Y)
}
