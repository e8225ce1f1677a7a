package embedding

import (
	"math"
	"math/rand"
)

const svdIterations = 25

// truncatedSVD computes the top-k right singular vectors of the n x v
// matrix by block power iteration on the implicit Gram matrix. The
// starting block comes from a fixed-seed generator so fitting the same
// corpus twice yields the same projection.
func truncatedSVD(matrix [][]float64, v, k int) [][]float64 {
	if k <= 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(42))
	block := make([][]float64, v)
	for i := range block {
		block[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			block[i][j] = rng.NormFloat64()
		}
	}
	orthonormalize(block, k)

	for iter := 0; iter < svdIterations; iter++ {
		// projected = A * Q  (n x k)
		projected := make([][]float64, len(matrix))
		for i, row := range matrix {
			projected[i] = make([]float64, k)
			for col, val := range row {
				if val == 0 {
					continue
				}
				for j := 0; j < k; j++ {
					projected[i][j] += val * block[col][j]
				}
			}
		}

		// next = A^T * projected  (v x k)
		next := make([][]float64, v)
		for i := range next {
			next[i] = make([]float64, k)
		}
		for i, row := range matrix {
			for col, val := range row {
				if val == 0 {
					continue
				}
				for j := 0; j < k; j++ {
					next[col][j] += val * projected[i][j]
				}
			}
		}

		orthonormalize(next, k)
		block = next
	}

	return block
}

// orthonormalize applies modified Gram-Schmidt to the columns of block
// in place. Columns that collapse to zero are left as zero vectors.
func orthonormalize(block [][]float64, k int) {
	rows := len(block)
	for j := 0; j < k; j++ {
		for prev := 0; prev < j; prev++ {
			var dot float64
			for i := 0; i < rows; i++ {
				dot += block[i][j] * block[i][prev]
			}
			for i := 0; i < rows; i++ {
				block[i][j] -= dot * block[i][prev]
			}
		}

		var norm float64
		for i := 0; i < rows; i++ {
			norm += block[i][j] * block[i][j]
		}
		norm = math.Sqrt(norm)
		if norm < 1e-12 {
			continue
		}
		for i := 0; i < rows; i++ {
			block[i][j] /= norm
		}
	}
}
