package hypercell

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

const defaultNormEpsilon = 1e-5

func init() {
	var l LayerNorm
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLayerNorm)
}

// LayerNorm normalizes each row of a batch to zero mean
// and unit variance, then applies a learned per-feature
// gain and bias.
//
// It implements anynet.Layer.
type LayerNorm struct {
	Gain *anydiff.Var
	Bias *anydiff.Var

	// Epsilon is added to the variance before the inverse
	// square root.
	// An Epsilon of 0 is treated as the default, 1e-5.
	Epsilon float64
}

// NewLayerNorm creates a LayerNorm for rows of dim
// features, with a gain of one and a bias of zero.
func NewLayerNorm(c anyvec.Creator, dim int) *LayerNorm {
	gain := c.MakeVector(dim)
	gain.AddScalar(c.MakeNumeric(1))
	return &LayerNorm{
		Gain:    anydiff.NewVar(gain),
		Bias:    anydiff.NewVar(c.MakeVector(dim)),
		Epsilon: defaultNormEpsilon,
	}
}

// DeserializeLayerNorm deserializes a LayerNorm.
func DeserializeLayerNorm(d []byte) (*LayerNorm, error) {
	var gain, bias *anyvecsave.S
	var epsilon serializer.Float64
	if err := serializer.DeserializeAny(d, &gain, &bias, &epsilon); err != nil {
		return nil, err
	}
	return &LayerNorm{
		Gain:    anydiff.NewVar(gain.Vector),
		Bias:    anydiff.NewVar(bias.Vector),
		Epsilon: float64(epsilon),
	}, nil
}

// Apply normalizes a batch of n rows.
func (l *LayerNorm) Apply(in anydiff.Res, n int) anydiff.Res {
	dim := l.Gain.Vector.Len()
	if in.Output().Len() != n*dim {
		panic(fmt.Sprintf("input length %d is not %d rows of %d",
			in.Output().Len(), n, dim))
	}
	c := in.Output().Creator()

	avg := c.MakeVector(dim)
	avg.AddScalar(c.MakeNumeric(1 / float64(dim)))
	avgCol := &anydiff.Matrix{Data: anydiff.NewConst(avg), Rows: dim, Cols: 1}
	ones := c.MakeVector(dim)
	ones.AddScalar(c.MakeNumeric(1))
	onesRow := &anydiff.Matrix{Data: anydiff.NewConst(ones), Rows: 1, Cols: dim}

	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		inMat := &anydiff.Matrix{Data: in, Rows: n, Cols: dim}
		mean := anydiff.MatMul(false, false, inMat, avgCol)
		meanRep := anydiff.MatMul(false, false, mean, onesRow)
		centered := anydiff.Sub(in, meanRep.Data)
		return anydiff.Pool(centered, func(centered anydiff.Res) anydiff.Res {
			sqMat := &anydiff.Matrix{
				Data: anydiff.Mul(centered, centered),
				Rows: n,
				Cols: dim,
			}
			variance := anydiff.MatMul(false, false, sqMat, avgCol)
			varRep := anydiff.MatMul(false, false, variance, onesRow)
			invStd := anydiff.Pow(anydiff.AddScalar(varRep.Data,
				c.MakeNumeric(l.epsilon())), c.MakeNumeric(-0.5))
			normed := anydiff.Mul(centered, invStd)
			return anydiff.AddRepeated(anydiff.ScaleRepeated(normed, l.Gain), l.Bias)
		})
	})
}

// Parameters returns the gain and the bias.
func (l *LayerNorm) Parameters() []*anydiff.Var {
	return []*anydiff.Var{l.Gain, l.Bias}
}

// SerializerType returns the unique ID used to serialize
// a LayerNorm with the serializer package.
func (l *LayerNorm) SerializerType() string {
	return "github.com/unixpickle/hypercell.LayerNorm"
}

// Serialize serializes the LayerNorm.
func (l *LayerNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(
		&anyvecsave.S{Vector: l.Gain.Vector},
		&anyvecsave.S{Vector: l.Bias.Vector},
		serializer.Float64(l.Epsilon),
	)
}

func (l *LayerNorm) epsilon() float64 {
	if l.Epsilon == 0 {
		return defaultNormEpsilon
	}
	return l.Epsilon
}
