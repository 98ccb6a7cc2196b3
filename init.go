package hypercell

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anyvec"
	"gonum.org/v1/gonum/mat"
)

// An Initializer produces the initial contents of a
// row-major rows-by-cols weight matrix.
type Initializer interface {
	Init(c anyvec.Creator, rows, cols int) anyvec.Vector
}

// Zeros initializes every weight to zero.
type Zeros struct{}

// Init creates a zeroed matrix.
func (z Zeros) Init(c anyvec.Creator, rows, cols int) anyvec.Vector {
	return c.MakeVector(rows * cols)
}

// Constant initializes every weight to Value.
type Constant struct {
	Value float64
}

// Init creates a constant matrix.
func (con Constant) Init(c anyvec.Creator, rows, cols int) anyvec.Vector {
	res := c.MakeVector(rows * cols)
	res.AddScalar(c.MakeNumeric(con.Value))
	return res
}

// Gaussian initializes weights with independent normally
// distributed entries.
type Gaussian struct {
	Stddev float64
}

// Init creates a random matrix.
func (g Gaussian) Init(c anyvec.Creator, rows, cols int) anyvec.Vector {
	res := c.MakeVector(rows * cols)
	anyvec.Rand(res, anyvec.Normal, nil)
	res.Scale(c.MakeNumeric(g.Stddev))
	return res
}

// Orthogonal initializes weights with a random scaled
// (semi-)orthogonal matrix, obtained from the singular
// value decomposition of a gaussian matrix.
//
// A Scale of 0 is treated as 1.
type Orthogonal struct {
	Scale float64
}

// Init creates a random semi-orthogonal matrix.
func (o Orthogonal) Init(c anyvec.Creator, rows, cols int) anyvec.Vector {
	scale := o.Scale
	if scale == 0 {
		scale = 1
	}
	gauss := make([]float64, rows*cols)
	for i := range gauss {
		gauss[i] = rand.NormFloat64()
	}
	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(rows, cols, gauss), mat.SVDThin) {
		panic("orthogonal init: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var q mat.Dense
	q.Mul(&u, v.T())
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, q.At(i, j)*scale)
		}
	}
	return c.MakeVectorData(c.MakeNumericList(data))
}

// initOrDefault runs init, falling back to a gaussian
// scaled by the inverse square root of the fan-in.
func initOrDefault(init Initializer, c anyvec.Creator, rows, cols int) anyvec.Vector {
	if init != nil {
		return init.Init(c, rows, cols)
	}
	res := c.MakeVector(rows * cols)
	anyvec.Rand(res, anyvec.Normal, nil)
	res.Scale(c.MakeNumeric(1 / math.Sqrt(float64(cols))))
	return res
}
