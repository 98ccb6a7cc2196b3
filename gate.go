package hypercell

import (
	"errors"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var g Gate
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeGate)
}

// A Gate holds the parameters of one LSTM gate: an input
// kernel, a recurrent kernel, a bias, and an optional
// peephole vector.
type Gate struct {
	// InputWeights is cell-by-in, row-major.
	InputWeights *anydiff.Var

	// StateWeights is cell-by-rec, row-major, where rec is
	// the width of the recurrent output.
	StateWeights *anydiff.Var

	Biases *anydiff.Var

	// Peephole is nil for gates without a diagonal
	// connection to the cell state.
	Peephole *anydiff.Var
}

func newGate(c anyvec.Creator, init Initializer, in, rec, cell int,
	peephole bool) *Gate {
	res := &Gate{
		InputWeights: anydiff.NewVar(initOrDefault(init, c, cell, in)),
		StateWeights: anydiff.NewVar(initOrDefault(init, c, cell, rec)),
		Biases:       anydiff.NewVar(c.MakeVector(cell)),
	}
	if peephole {
		res.Peephole = anydiff.NewVar(c.MakeVector(cell))
	}
	return res
}

// DeserializeGate deserializes a Gate.
func DeserializeGate(d []byte) (*Gate, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 3 && len(slice) != 4 {
		return nil, errors.New("invalid Gate slice")
	}
	vecs := make([]*anyvecsave.S, len(slice))
	for i, x := range slice {
		var ok bool
		if vecs[i], ok = x.(*anyvecsave.S); !ok {
			return nil, errors.New("invalid Gate slice")
		}
	}
	res := &Gate{
		InputWeights: anydiff.NewVar(vecs[0].Vector),
		StateWeights: anydiff.NewVar(vecs[1].Vector),
		Biases:       anydiff.NewVar(vecs[2].Vector),
	}
	if len(vecs) == 4 {
		res.Peephole = anydiff.NewVar(vecs[3].Vector)
	}
	return res, nil
}

// Apply computes the gate's pre-activation for a batch.
// Peephole terms are not included; the owning cell adds
// them because their operand differs per gate.
func (g *Gate) Apply(in, state anydiff.Res) anydiff.Res {
	cell := g.Biases.Vector.Len()
	inCount := g.InputWeights.Vector.Len() / cell
	recCount := g.StateWeights.Vector.Len() / cell
	return anydiff.AddRepeated(
		anydiff.Add(
			applyWeights(inCount, cell, g.InputWeights, in),
			applyWeights(recCount, cell, g.StateWeights, state),
		),
		g.Biases,
	)
}

// Parameters returns the gate's parameters.
func (g *Gate) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{g.InputWeights, g.StateWeights, g.Biases}
	if g.Peephole != nil {
		res = append(res, g.Peephole)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a Gate with the serializer package.
func (g *Gate) SerializerType() string {
	return "github.com/unixpickle/hypercell.Gate"
}

// Serialize serializes the Gate.
func (g *Gate) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{
		&anyvecsave.S{Vector: g.InputWeights.Vector},
		&anyvecsave.S{Vector: g.StateWeights.Vector},
		&anyvecsave.S{Vector: g.Biases.Vector},
	}
	if g.Peephole != nil {
		parts = append(parts, &anyvecsave.S{Vector: g.Peephole.Vector})
	}
	return serializer.SerializeSlice(parts)
}
