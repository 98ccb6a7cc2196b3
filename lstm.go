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
	var l LSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLSTM)
}

// LSTM is a long short-term memory cell with optional
// peephole connections, cell clipping, and output
// projection.
//
// The option fields may be set after NewLSTM and before
// the first use.
// Parameters are allocated on first use and reused by
// every subsequent timestep.
type LSTM struct {
	// Peepholes enables diagonal connections from the cell
	// state into the input, forget, and output gates.
	Peepholes bool

	// CellClip, if nonzero, clips the new cell state to
	// [-CellClip, CellClip] before the output activation.
	CellClip float64

	// ProjSize, if nonzero, projects the output, and with
	// it the recurrent state, down to this size.
	ProjSize int

	// ProjClip, if nonzero, clips the projected output.
	// It requires ProjSize.
	ProjClip float64

	// ForgetBias is added to the forget gate before its
	// sigmoid at every timestep.
	// It is kept out of the gate's bias variable so that
	// restored parameters are unaffected by it.
	// NewLSTM sets it to 1.
	ForgetBias float64

	// Activation squashes the new input and the cell
	// output.
	// A nil Activation means anynet.Tanh.
	Activation anynet.Layer

	// Init initializes the gate kernels.
	// A nil Init samples gaussians scaled by the inverse
	// square root of the fan-in.
	Init Initializer

	// Gates i, j, f, o, nil until the input width is known.
	In     *Gate
	NewIn  *Gate
	Forget *Gate
	Out    *Gate

	// Proj is the output projection, nil without ProjSize.
	Proj *Linear

	// InitCell and InitOut hold the trainable start state.
	InitCell *anydiff.Var
	InitOut  *anydiff.Var

	creator  anyvec.Creator
	inSize   int
	cellSize int

	buildLock sync.Mutex
}

// NewLSTM creates an LSTM with cell units.
//
// If in is 0, the input width is inferred from the first
// input batch.
func NewLSTM(c anyvec.Creator, in, cell int) *LSTM {
	return &LSTM{
		ForgetBias: 1,
		creator:    c,
		inSize:     in,
		cellSize:   cell,
	}
}

// DeserializeLSTM deserializes an LSTM.
func DeserializeLSTM(d []byte) (*LSTM, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 13 && len(slice) != 14 {
		return nil, errors.New("invalid LSTM slice")
	}
	var ints [3]int
	var floats [3]float64
	var gates [4]*Gate
	for i := range ints {
		num, ok := slice[i].(serializer.Int)
		if !ok {
			return nil, errors.New("invalid LSTM slice")
		}
		ints[i] = int(num)
	}
	for i := range floats {
		num, ok := slice[3+i].(serializer.Float64)
		if !ok {
			return nil, errors.New("invalid LSTM slice")
		}
		floats[i] = float64(num)
	}
	for i := range gates {
		gate, ok := slice[6+i].(*Gate)
		if !ok {
			return nil, errors.New("invalid LSTM slice")
		}
		gates[i] = gate
	}
	activation, ok1 := slice[10].(anynet.Layer)
	initCell, ok2 := slice[11].(*anyvecsave.S)
	initOut, ok3 := slice[12].(*anyvecsave.S)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("invalid LSTM slice")
	}
	res := &LSTM{
		Peepholes:  gates[0].Peephole != nil,
		ProjSize:   ints[2],
		ForgetBias: floats[0],
		CellClip:   floats[1],
		ProjClip:   floats[2],
		Activation: activation,
		In:         gates[0],
		NewIn:      gates[1],
		Forget:     gates[2],
		Out:        gates[3],
		InitCell:   anydiff.NewVar(initCell.Vector),
		InitOut:    anydiff.NewVar(initOut.Vector),
		creator:    initCell.Vector.Creator(),
		inSize:     ints[0],
		cellSize:   ints[1],
	}
	if res.ProjSize > 0 {
		if len(slice) != 14 {
			return nil, errors.New("invalid LSTM slice")
		}
		proj, ok := slice[13].(*Linear)
		if !ok {
			return nil, errors.New("invalid LSTM slice")
		}
		res.Proj = proj
	}
	return res, nil
}

// InSize returns the input width, or 0 before it is known.
func (l *LSTM) InSize() int {
	return l.inSize
}

// CellSize returns the number of cell units.
func (l *LSTM) CellSize() int {
	return l.cellSize
}

// OutSize returns the output width: ProjSize when
// projecting, the cell size otherwise.
func (l *LSTM) OutSize() int {
	if l.InitOut != nil {
		return l.InitOut.Vector.Len()
	}
	if l.ProjSize > 0 {
		return l.ProjSize
	}
	return l.cellSize
}

// StateSize returns the total width of the per-sequence
// state, the cell plus the last output.
func (l *LSTM) StateSize() int {
	return l.CellSize() + l.OutSize()
}

// Start returns a start state of batch size n.
func (l *LSTM) Start(n int) anyrnn.State {
	l.ensureBuilt(0)
	return &cellState{
		Cell:    anyrnn.NewVecState(l.InitCell.Vector, n),
		LastOut: anyrnn.NewVecState(l.InitOut.Vector, n),
	}
}

// PropagateStart propagates through the start state.
func (l *LSTM) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	cs := s.(*cellState)
	cs.Cell.PropagateStart(l.InitCell, g)
	cs.LastOut.PropagateStart(l.InitOut, g)
}

// Step performs one timestep.
func (l *LSTM) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
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

	iPre := l.In.Apply(res.InPool, res.LastOutPool)
	jPre := l.NewIn.Apply(res.InPool, res.LastOutPool)
	fPre := l.Forget.Apply(res.InPool, res.LastOutPool)
	if l.Peepholes {
		iPre = anydiff.Add(iPre, anydiff.ScaleRepeated(res.LastCellPool, l.In.Peephole))
		fPre = anydiff.Add(fPre, anydiff.ScaleRepeated(res.LastCellPool, l.Forget.Peephole))
	}
	fPre = anydiff.AddScalar(fPre, in.Creator().MakeNumeric(l.ForgetBias))

	newCell := anydiff.Add(
		anydiff.Mul(anydiff.Sigmoid(fPre), res.LastCellPool),
		anydiff.Mul(anydiff.Sigmoid(iPre), l.activation().Apply(jPre, n)),
	)
	if l.CellClip > 0 {
		newCell = clipRange(newCell, l.CellClip)
	}
	res.CellRes = newCell
	res.CellPool = anydiff.NewVar(newCell.Output())

	// The output gate's peephole sees the new cell state.
	oPre := l.Out.Apply(res.InPool, res.LastOutPool)
	if l.Peepholes {
		oPre = anydiff.Add(oPre, anydiff.ScaleRepeated(res.CellPool, l.Out.Peephole))
	}
	out := anydiff.Mul(anydiff.Sigmoid(oPre), l.activation().Apply(res.CellPool, n))
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
// Before the input width is known, the gates do not exist
// yet and only the start state is returned.
func (l *LSTM) Parameters() []*anydiff.Var {
	l.ensureBuilt(0)
	res := []*anydiff.Var{l.InitCell, l.InitOut}
	for _, g := range []*Gate{l.In, l.NewIn, l.Forget, l.Out} {
		if g != nil {
			res = append(res, g.Parameters()...)
		}
	}
	if l.Proj != nil {
		res = append(res, l.Proj.Parameters()...)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// an LSTM with the serializer package.
func (l *LSTM) SerializerType() string {
	return "github.com/unixpickle/hypercell.LSTM"
}

// Serialize serializes the LSTM.
// It fails if the cell has not been built yet.
func (l *LSTM) Serialize() ([]byte, error) {
	l.ensureBuilt(0)
	if l.In == nil {
		return nil, errors.New("serialize LSTM: input width not known yet")
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
		&anyvecsave.S{Vector: l.InitCell.Vector},
		&anyvecsave.S{Vector: l.InitOut.Vector},
	}
	if l.Proj != nil {
		parts = append(parts, l.Proj)
	}
	return serializer.SerializeSlice(parts)
}

func (l *LSTM) activation() anynet.Layer {
	if l.Activation == nil {
		return anynet.Tanh
	}
	return l.Activation
}

// ensureBuilt allocates any parameters that can be
// allocated, given that the input width is in, or 0 if
// unknown.
func (l *LSTM) ensureBuilt(in int) {
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
	if l.ProjSize > 0 {
		l.Proj = &Linear{OutSize: l.ProjSize, WeightInit: l.Init}
		l.Proj.build(l.creator, l.cellSize)
	}
}

func (l *LSTM) outSize() int {
	if l.ProjSize > 0 {
		return l.ProjSize
	}
	return l.cellSize
}

// lstmRes propagates through one timestep of an LSTM or a
// LayerNormLSTM.
type lstmRes struct {
	OutState *cellState
	OutVec   anyvec.Vector
	V        anydiff.VarSet

	CellRes anydiff.Res
	OutRes  anydiff.Res

	InPool       *anydiff.Var
	LastOutPool  *anydiff.Var
	LastCellPool *anydiff.Var
	CellPool     *anydiff.Var
}

func (l *lstmRes) State() anyrnn.State {
	return l.OutState
}

func (l *lstmRes) Output() anyvec.Vector {
	return l.OutVec
}

func (l *lstmRes) Vars() anydiff.VarSet {
	return l.V
}

func (l *lstmRes) Propagate(u anyvec.Vector, s anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	for _, p := range l.pools() {
		g[p] = p.Vector.Creator().MakeVector(p.Vector.Len())
	}
	defer func() {
		for _, p := range l.pools() {
			delete(g, p)
		}
	}()

	if s != nil {
		u.Add(s.(*cellState).LastOut.Vector)
	}
	l.OutRes.Propagate(u, g)

	cellUpstream := g[l.CellPool]
	delete(g, l.CellPool)
	if s != nil {
		cellUpstream.Add(s.(*cellState).Cell.Vector)
	}
	l.CellRes.Propagate(cellUpstream, g)

	downState := &cellState{
		Cell: &anyrnn.VecState{
			Vector:     g[l.LastCellPool],
			PresentMap: l.OutState.Present(),
		},
		LastOut: &anyrnn.VecState{
			Vector:     g[l.LastOutPool],
			PresentMap: l.OutState.Present(),
		},
	}
	return g[l.InPool], downState
}

func (l *lstmRes) pools() []*anydiff.Var {
	return []*anydiff.Var{l.InPool, l.LastOutPool, l.LastCellPool, l.CellPool}
}
