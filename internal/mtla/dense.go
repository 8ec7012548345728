package mtla

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/simd"
)

// DenseScores returns the unmasked (rows × rows) product Q·Kᵀ of one batch
// element, computed in float32 by BLAS.
func DenseScores(q, k []float32, rows, cols int) []float32 {
	out := make([]float32, rows*rows)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: q},
		blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: k},
		0,
		blas32.General{Rows: rows, Cols: rows, Stride: rows, Data: out},
	)
	return out
}

// Reference computes on the host what the kernel leaves in a buffer that was
// filled with sentinel: inputs are quantised to bfloat16, unmasked cells are
// rounded to bfloat16, masked cells hold sentinel.
func Reference(q, k []float32, p Params, policy Policy, sentinel float32) []float32 {
	if policy == nil {
		policy = Symmetric{}
	}
	rows, cols := p.Rows, p.Cols
	qq := quantize(q)
	kq := quantize(k)

	out := make([]float32, p.BatchSize*rows*rows)
	pooled := make([]float32, cols)
	for b := 0; b < p.BatchSize; b++ {
		qb := qq[b*rows*cols : (b+1)*rows*cols]
		kb := kq[b*rows*cols : (b+1)*rows*cols]
		dense := DenseScores(qb, kb, rows, cols)
		ob := out[b*rows*rows : (b+1)*rows*rows]

		for i := 0; i < rows; i++ {
			for j := 0; j < rows; j++ {
				if !Allows(policy, i, j, rows, p.Window) {
					ob[i*rows+j] = sentinel
					continue
				}
				n := policy.Fanin(i, j, p.Window)
				v := dense[i*rows+j]
				if n > 1 {
					clear(pooled)
					for t := j - n + 1; t <= j; t++ {
						simd.VecAdd(pooled, kb[t*cols:(t+1)*cols])
					}
					v = simd.DotProduct(qb[i*cols:(i+1)*cols], pooled)
				}
				ob[i*rows+j] = device.BFloat16ToFloat32(device.Float32ToBFloat16(v))
			}
		}
	}
	return out
}

func quantize(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = device.BFloat16ToFloat32(device.Float32ToBFloat16(f))
	}
	return out
}
