package hypercell

import (
	"errors"
	"fmt"
	"sync"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func init() {
	var l LayerNormLSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLayerNormLSTM)
}

// LayerNormLSTM is an LSTM that layer-normalizes every
// gate pre-activation and the cell state.
//
// Peephole terms are normalized separately from the gate
// they feed, except for the output gate's, which reads the
// already-normalized cell state.
// The normalized cell state is what the next timestep
// sees.
//
// The option fields may be set after NewLayerNormLSTM and
// before the first use.
type LayerNormLSTM struct {
	// See the corresponding LSTM fields.
	Peepholes  bool
	CellClip   float64
	ProjSize   int
	ProjClip   float64
	ForgetBias float64
	Activation anynet.Layer
	Init       Initializer

	// Epsilon is used by every normalization.
	// 0 is treated as the default, 1e-5.
	Epsilon float64

	In     *Gate
	NewIn  *Gate
	Forget *Gate
	Out    *Gate

	InNorm     *LayerNorm
	NewInNorm  *LayerNorm
	ForgetNorm *LayerNorm
	OutNorm    *LayerNorm
	CellNorm   *LayerNorm

	// Peephole norms, nil without Peepholes.
	InPeepNorm     *LayerNorm
	ForgetPeepNorm *LayerNorm

	Proj *Linear

	InitCell *anydiff.Var
	InitOut  *anydiff.Var

	creator  anyvec.Creator
	inSize   int
	cellSize int

	buildLock sync.Mutex
}

// NewLayerNormLSTM creates a LayerNormLSTM with cell
// units.
//
// If in is 0, the input width is inferred from the first
// input batch.
func NewLayerNormLSTM(c anyvec.Creator, in, cell int) *LayerNormLSTM {
	return &LayerNormLSTM{
		ForgetBias: 1,
		creator:    c,
		inSize:     in,
		cellSize:   cell,
	}
}

// DeserializeLayerNormLSTM deserializes a LayerNormLSTM.
func DeserializeLayerNormLSTM(d []byte) (*LayerNormLSTM, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) < 18 || len(slice) > 21 {
		return nil, errors.New("invalid LayerNormLSTM slice")
	}
	var ints [3]int
	var floats [3]float64
	var gates [4]*Gate
	var norms [5]*LayerNorm
	for i := range ints {
		num, ok := slice[i].(serializer.Int)
		if !ok {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		ints[i] = int(num)
	}
	for i := range floats {
		num, ok := slice[3+i].(serializer.Float64)
		if !ok {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		floats[i] = float64(num)
	}
	for i := range gates {
		gate, ok := slice[6+i].(*Gate)
		if !ok {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		gates[i] = gate
	}
	activation, ok := slice[10].(anynet.Layer)
	if !ok {
		return nil, errors.New("invalid LayerNormLSTM slice")
	}
	for i := range norms {
		norm, ok := slice[11+i].(*LayerNorm)
		if !ok {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		norms[i] = norm
	}
	initCell, ok1 := slice[16].(*anyvecsave.S)
	initOut, ok2 := slice[17].(*anyvecsave.S)
	if !ok1 || !ok2 {
		return nil, errors.New("invalid LayerNormLSTM slice")
	}
	res := &LayerNormLSTM{
		Peepholes:  gates[0].Peephole != nil,
		ProjSize:   ints[2],
		ForgetBias: floats[0],
		CellClip:   floats[1],
		ProjClip:   floats[2],
		Activation: activation,
		Epsilon:    norms[4].Epsilon,
		In:         gates[0],
		NewIn:      gates[1],
		Forget:     gates[2],
		Out:        gates[3],
		InNorm:     norms[0],
		NewInNorm:  norms[1],
		ForgetNorm: norms[2],
		OutNorm:    norms[3],
		CellNorm:   norms[4],
		InitCell:   anydiff.NewVar(initCell.Vector),
		InitOut:    anydiff.NewVar(initOut.Vector),
		creator:    initCell.Vector.Creator(),
		inSize:     ints[0],
		cellSize:   ints[1],
	}
	rest := slice[18:]
	if res.ProjSize > 0 {
		if len(rest) == 0 {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		proj, ok := rest[0].(*Linear)
		if !ok {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		res.Proj = proj
		rest = rest[1:]
	}
	if res.Peepholes {
		if len(rest) != 2 {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		inPeep, ok1 := rest[0].(*LayerNorm)
		forgetPeep, ok2 := rest[1].(*LayerNorm)
		if !ok1 || !ok2 {
			return nil, errors.New("invalid LayerNormLSTM slice")
		}
		res.InPeepNorm = inPeep
		res.ForgetPeepNorm = forgetPeep
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return nil, errors.New("invalid LayerNormLSTM slice")
	}
	return res, nil
}

// InSize returns the input width, or 0 before it is known.
func (l *LayerNormLSTM) InSize() int {
	return l.inSize
}

// CellSize returns the number of cell units.
func (l *LayerNormLSTM) CellSize() int {
	return l.cellSize
}

// OutSize returns the output width.
func (l *LayerNormLSTM) OutSize() int {
	if l.InitOut != nil {
		return l.InitOut.Vector.Len()
	}
	return l.outSize()
}

// StateSize returns the total width of the per-sequence
// state.
func (l *LayerNormLSTM) StateSize() int {
	return l.CellSize() + l.OutSize()
}

// Start returns a start state of batch size n.
func (l *LayerNormLSTM) Start(n int) anyrnn.State {
	l.ensureBuilt(0)
	return &cellState{
		Cell:    anyrnn.NewVecState(l.InitCell.Vector, n),
		LastOut: anyrnn.NewVecState(l.InitOut.Vector, n),
	}
}

// PropagateStart propagates through the start state.
func (l *LayerNormLSTM) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	cs := s.(*cellState)
	cs.Cell.PropagateStart(l.InitCell, g)
	cs.LastOut.PropagateStart(l.InitOut, g)
}

// Step performs one timestep.
func (l *LayerNormLSTM) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	cs := s.(*cellState)
	pres := s.Present()
	n := pres.NumPresent()
	l.ensureBuilt(in.Len() / n)

	res := &lstmRes{
		V:            anydiff.NewVarSet(l.Parameters()...),
		InPool:       anydiff.NewVar(in),
		LastOutPool:  anydiff.NewVar(cs.LastOut.Vector),
		LastCellPool: anydiff.NewVar(cs.Cell.Vector),
	}

	iArg := l.InNorm.Apply(l.In.Apply(res.InPool, res.LastOutPool), n)
	jArg := l.NewInNorm.Apply(l.NewIn.Apply(res.InPool, res.LastOutPool), n)
	fArg := l.ForgetNorm.Apply(l.Forget.Apply(res.InPool, res.LastOutPool), n)
	if l.Peepholes {
		iPeep := anydiff.ScaleRepeated(res.LastCellPool, l.In.Peephole)
		fPeep := anydiff.ScaleRepeated(res.LastCellPool, l.Forget.Peephole)
		iArg = anydiff.Add(iArg, l.InPeepNorm.Apply(iPeep, n))
		fArg = anydiff.Add(fArg, l.ForgetPeepNorm.Apply(fPeep, n))
	}
	fArg = anydiff.AddScalar(fArg, in.Creator().MakeNumeric(l.ForgetBias))

	newCell := anydiff.Add(
		anydiff.Mul(anydiff.Sigmoid(fArg), res.LastCellPool),
		anydiff.Mul(anydiff.Sigmoid(iArg), l.activation().Apply(jArg, n)),
	)
	if l.CellClip > 0 {
		newCell = clipRange(newCell, l.CellClip)
	}
	newCell = l.CellNorm.Apply(newCell, n)
	res.CellRes = newCell
	res.CellPool = anydiff.NewVar(newCell.Output())

	oArg := l.OutNorm.Apply(l.Out.Apply(res.InPool, res.LastOutPool), n)
	if l.Peepholes {
		oArg = anydiff.Add(oArg, anydiff.ScaleRepeated(res.CellPool, l.Out.Peephole))
	}
	out := anydiff.Mul(anydiff.Sigmoid(oArg), l.activation().Apply(res.CellPool, n))
	if l.Proj != nil {
		out = l.Proj.Apply(out, n)
		if l.ProjClip > 0 {
			out = clipRange(out, l.ProjClip)
		}
	}
	res.OutRes = out
	res.OutVec = out.Output()
	res.OutState = &cellState{
		Cell:    &anyrnn.VecState{Vector: newCell.Output(), PresentMap: pres},
		LastOut: &anyrnn.VecState{Vector: out.Output(), PresentMap: pres},
	}
	return res
}

// Parameters returns the parameters created so far.
func (l *LayerNormLSTM) Parameters() []*anydiff.Var {
	l.ensureBuilt(0)
	res := []*anydiff.Var{l.InitCell, l.InitOut}
	for _, g := range []*Gate{l.In, l.NewIn, l.Forget, l.Out} {
		if g != nil {
			res = append(res, g.Parameters()...)
		}
	}
	norms := []*LayerNorm{l.InNorm, l.NewInNorm, l.ForgetNorm, l.OutNorm,
		l.CellNorm, l.InPeepNorm, l.ForgetPeepNorm}
	for _, n := range norms {
		if n != nil {
			res = append(res, n.Parameters()...)
		}
	}
	if l.Proj != nil {
		res = append(res, l.Proj.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a LayerNormLSTM with the serializer package.
func (l *LayerNormLSTM) SerializerType() string {
	return "github.com/unixpickle/hypercell.LayerNormLSTM"
}

// Serialize serializes the LayerNormLSTM.
// It fails if the cell has not been built yet.
func (l *LayerNormLSTM) Serialize() ([]byte, error) {
	l.ensureBuilt(0)
	if l.In == nil {
		return nil, errors.New("serialize LayerNormLSTM: input width not known yet")
	}
	parts := []serializer.Serializer{
		serializer.Int(l.inSize),
		serializer.Int(l.cellSize),
		serializer.Int(l.ProjSize),
		serializer.Float64(l.ForgetBias),
		serializer.Float64(l.CellClip),
		serializer.Float64(l.ProjClip),
		l.In, l.NewIn, l.Forget, l.Out,
		l.activation().(serializer.Serializer),
		l.InNorm, l.NewInNorm, l.ForgetNorm, l.OutNorm,
		l.CellNorm,
		&anyvecsave.S{Vector: l.InitCell.Vector},
		&anyvecsave.S{Vector: l.InitOut.Vector},
	}
	if l.Proj != nil {
		parts = append(parts, l.Proj)
	}
	if l.Peepholes {
		parts = append(parts, l.InPeepNorm, l.ForgetPeepNorm)
	}
	return serializer.SerializeSlice(parts)
}

func (l *LayerNormLSTM) activation() anynet.Layer {
	if l.Activation == nil {
		return anynet.Tanh
	}
	return l.Activation
}

func (l *LayerNormLSTM) ensureBuilt(in int) {
	l.buildLock.Lock()
	defer l.buildLock.Unlock()
	if l.InitCell == nil {
		l.InitCell = anydiff.NewVar(l.creator.MakeVector(l.cellSize))
		l.InitOut = anydiff.NewVar(l.creator.MakeVector(l.outSize()))
	}
	if l.In != nil {
		if in != 0 && in != l.inSize {
			panic(fmt.Sprintf("input width %d should be %d", in, l.inSize))
		}
		return
	}
	if in == 0 {
		in = l.inSize
	}
	if in == 0 {
		return
	}
	if l.inSize != 0 && in != l.inSize {
		panic(fmt.Sprintf("input width %d should be %d", in, l.inSize))
	}
	l.inSize = in
	rec := l.outSize()
	l.In = newGate(l.creator, l.Init, in, rec, l.cellSize, l.Peepholes)
	l.NewIn = newGate(l.creator, l.Init, in, rec, l.cellSize, false)
	l.Forget = newGate(l.creator, l.Init, in, rec, l.cellSize, l.Peepholes)
	l.Out = newGate(l.creator, l.Init, in, rec, l.cellSize, l.Peepholes)
	l.InNorm = l.newNorm()
	l.NewInNorm = l.newNorm()
	l.ForgetNorm = l.newNorm()
	l.OutNorm = l.newNorm()
	l.CellNorm = l.newNorm()
	if l.Peepholes {
		l.InPeepNorm = l.newNorm()
		l.ForgetPeepNorm = l.newNorm()
	}
	if l.ProjSize > 0 {
		l.Proj = &Linear{OutSize: l.ProjSize, WeightInit: l.Init}
		l.Proj.build(l.creator, l.cellSize)
	}
}

func (l *LayerNormLSTM) newNorm() *LayerNorm {
	res := NewLayerNorm(l.creator, l.cellSize)
	res.Epsilon = l.Epsilon
	return res
}

func (l *LayerNormLSTM) outSize() int {
	if l.ProjSize > 0 {
		return l.ProjSize
	}
	return l.cellSize
}
