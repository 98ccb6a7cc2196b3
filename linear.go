package hypercell

import (
	"errors"
	"fmt"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var l Linear
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLinear)
}

// Linear is a fully-connected map whose weights may be
// created lazily.
//
// A Linear from NewLinear is ready to use.
// Alternatively, a Linear may be declared with its size
// and initialization fields set; the weight matrix is then
// allocated by the first call to Apply, sized to the
// observed input width, and reused by every later call.
//
// It implements anynet.Layer.
type Linear struct {
	// OutSize is the number of output units.
	OutSize int

	// WeightInit initializes the weight matrix.
	// A nil WeightInit samples a gaussian scaled by the
	// inverse square root of the input width.
	WeightInit Initializer

	// UseBias adds a learned bias vector.
	UseBias bool

	// BiasStart is the initial value of each bias entry.
	BiasStart float64

	// Weights is the out-by-in row-major weight matrix.
	// It is nil until the map is built.
	Weights *anydiff.Var

	// Biases is nil when UseBias is false.
	Biases *anydiff.Var

	buildLock sync.Mutex
}

// NewLinear creates a built Linear with a zero bias and
// default weight initialization.
func NewLinear(c anyvec.Creator, in, out int) *Linear {
	res := &Linear{OutSize: out, UseBias: true}
	res.build(c, in)
	return res
}

// DeserializeLinear deserializes a Linear.
func DeserializeLinear(d []byte) (*Linear, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 2 && len(slice) != 3 {
		return nil, errors.New("invalid Linear slice")
	}
	outSize, ok1 := slice[0].(serializer.Int)
	weights, ok2 := slice[1].(*anyvecsave.S)
	if !ok1 || !ok2 {
		return nil, errors.New("invalid Linear slice")
	}
	res := &Linear{
		OutSize: int(outSize),
		Weights: anydiff.NewVar(weights.Vector),
	}
	if len(slice) == 3 {
		biases, ok := slice[2].(*anyvecsave.S)
		if !ok {
			return nil, errors.New("invalid Linear slice")
		}
		res.UseBias = true
		res.Biases = anydiff.NewVar(biases.Vector)
	}
	return res, nil
}

// InSize returns the input width, or 0 before the map has
// been built.
func (l *Linear) InSize() int {
	if l.Weights == nil {
		return 0
	}
	return l.Weights.Vector.Len() / l.OutSize
}

// Apply applies the map to a batch of n rows, building the
// weights on first use.
func (l *Linear) Apply(in anydiff.Res, n int) anydiff.Res {
	if n == 0 || in.Output().Len()%n != 0 {
		panic(fmt.Sprintf("cannot divide %d values into %d rows",
			in.Output().Len(), n))
	}
	width := in.Output().Len() / n
	l.ensureBuilt(in.Output().Creator(), width)
	if width != l.InSize() {
		panic(fmt.Sprintf("input width %d should be %d", width, l.InSize()))
	}
	out := applyWeights(width, l.OutSize, l.Weights, in)
	if l.Biases != nil {
		out = anydiff.AddRepeated(out, l.Biases)
	}
	return out
}

// Parameters returns the created parameters.
// An unbuilt Linear has none.
func (l *Linear) Parameters() []*anydiff.Var {
	if l.Weights == nil {
		return nil
	}
	if l.Biases != nil {
		return []*anydiff.Var{l.Weights, l.Biases}
	}
	return []*anydiff.Var{l.Weights}
}

// SerializerType returns the unique ID used to serialize
// a Linear with the serializer package.
func (l *Linear) SerializerType() string {
	return "github.com/unixpickle/hypercell.Linear"
}

// Serialize serializes the Linear.
// It fails if the map has not been built.
func (l *Linear) Serialize() ([]byte, error) {
	if l.Weights == nil {
		return nil, errors.New("serialize Linear: not built")
	}
	parts := []serializer.Serializer{
		serializer.Int(l.OutSize),
		&anyvecsave.S{Vector: l.Weights.Vector},
	}
	if l.Biases != nil {
		parts = append(parts, &anyvecsave.S{Vector: l.Biases.Vector})
	}
	return serializer.SerializeSlice(parts)
}

func (l *Linear) ensureBuilt(c anyvec.Creator, in int) {
	l.buildLock.Lock()
	defer l.buildLock.Unlock()
	if l.Weights == nil {
		l.build(c, in)
	}
}

func (l *Linear) build(c anyvec.Creator, in int) {
	l.Weights = anydiff.NewVar(initOrDefault(l.WeightInit, c, l.OutSize, in))
	if l.UseBias {
		biases := c.MakeVector(l.OutSize)
		if l.BiasStart != 0 {
			biases.AddScalar(c.MakeNumeric(l.BiasStart))
		}
		l.Biases = anydiff.NewVar(biases)
	}
}
