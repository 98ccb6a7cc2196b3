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

const (
	// DefaultHyperSize is the auxiliary cell size used by
	// a HyperLSTM with no HyperSize.
	DefaultHyperSize = 32

	// DefaultEmbedSize is the embedding width used by a
	// HyperLSTM with no EmbedSize.
	DefaultEmbedSize = 16

	// hyperNormGamma is the value every weight scale
	// starts out at.
	hyperNormGamma = 0.1
)

func init() {
	var n HyperNorm
	serializer.RegisterTypedDeserializer(n.SerializerType(), DeserializeHyperNorm)
	var b HyperBias
	serializer.RegisterTypedDeserializer(b.SerializerType(), DeserializeHyperBias)
	var g HyperGate
	serializer.RegisterTypedDeserializer(g.SerializerType(), DeserializeHyperGate)
	var l HyperLSTM
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeHyperLSTM)
}

// A HyperNorm generates a row of scales from the
// auxiliary cell's output and multiplies them into a
// weight term.
//
// The scales start out at hyperNormGamma for every unit,
// since Embed starts out producing ones and Out starts
// out averaging them.
type HyperNorm struct {
	Embed *Linear
	Out   *Linear
}

func newHyperNorm(c anyvec.Creator, hyperSize, embedSize, out int) *HyperNorm {
	embed := &Linear{
		OutSize:    embedSize,
		WeightInit: Zeros{},
		UseBias:    true,
		BiasStart:  1,
	}
	embed.build(c, hyperSize)
	outLayer := &Linear{
		OutSize:    out,
		WeightInit: Constant{Value: hyperNormGamma / float64(embedSize)},
	}
	outLayer.build(c, embedSize)
	return &HyperNorm{Embed: embed, Out: outLayer}
}

// DeserializeHyperNorm deserializes a HyperNorm.
func DeserializeHyperNorm(d []byte) (*HyperNorm, error) {
	var embed, out *Linear
	if err := serializer.DeserializeAny(d, &embed, &out); err != nil {
		return nil, errors.New("invalid HyperNorm data")
	}
	return &HyperNorm{Embed: embed, Out: out}, nil
}

// Apply scales each row of in by the scales generated
// from the corresponding row of hyperOut.
func (h *HyperNorm) Apply(in, hyperOut anydiff.Res, n int) anydiff.Res {
	scales := h.Out.Apply(h.Embed.Apply(hyperOut, n), n)
	return anydiff.Mul(scales, in)
}

// Parameters returns the parameters of the HyperNorm.
func (h *HyperNorm) Parameters() []*anydiff.Var {
	return append(h.Embed.Parameters(), h.Out.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a HyperNorm with the serializer package.
func (h *HyperNorm) SerializerType() string {
	return "github.com/unixpickle/hypercell.HyperNorm"
}

// Serialize serializes the HyperNorm.
func (h *HyperNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(h.Embed, h.Out)
}

// A HyperBias generates a row of bias shifts from the
// auxiliary cell's output.
//
// The shifts start out at zero, since Out's weights start
// out at zero.
type HyperBias struct {
	Embed *Linear
	Out   *Linear
}

func newHyperBias(c anyvec.Creator, hyperSize, embedSize, out int) *HyperBias {
	embed := &Linear{
		OutSize:    embedSize,
		WeightInit: Gaussian{Stddev: 0.01},
	}
	embed.build(c, hyperSize)
	outLayer := &Linear{
		OutSize:    out,
		WeightInit: Zeros{},
	}
	outLayer.build(c, embedSize)
	return &HyperBias{Embed: embed, Out: outLayer}
}

// DeserializeHyperBias deserializes a HyperBias.
func DeserializeHyperBias(d []byte) (*HyperBias, error) {
	var embed, out *Linear
	if err := serializer.DeserializeAny(d, &embed, &out); err != nil {
		return nil, errors.New("invalid HyperBias data")
	}
	return &HyperBias{Embed: embed, Out: out}, nil
}

// Apply generates one row of shifts per row of hyperOut.
func (h *HyperBias) Apply(hyperOut anydiff.Res, n int) anydiff.Res {
	return h.Out.Apply(h.Embed.Apply(hyperOut, n), n)
}

// Parameters returns the parameters of the HyperBias.
func (h *HyperBias) Parameters() []*anydiff.Var {
	return append(h.Embed.Parameters(), h.Out.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a HyperBias with the serializer package.
func (h *HyperBias) SerializerType() string {
	return "github.com/unixpickle/hypercell.HyperBias"
}

// Serialize serializes the HyperBias.
func (h *HyperBias) Serialize() ([]byte, error) {
	return serializer.SerializeAny(h.Embed, h.Out)
}

// A HyperGate is a gate whose input and state terms are
// rescaled, and whose bias is shifted, by values generated
// from an auxiliary cell's output.
type HyperGate struct {
	// InputWeights is a cell-by-input matrix.
	// StateWeights is a cell-by-state matrix.
	// Both are row-major.
	InputWeights *anydiff.Var
	StateWeights *anydiff.Var

	// Biases is the static part of the bias.
	Biases *anydiff.Var

	InputScale *HyperNorm
	StateScale *HyperNorm
	BiasShift  *HyperBias

	// Peephole is nil for gates without a diagonal
	// connection.
	Peephole *anydiff.Var
}

func newHyperGate(c anyvec.Creator, init Initializer, in, rec, cell,
	hyperSize, embedSize int, peephole bool) *HyperGate {
	res := &HyperGate{
		InputWeights: anydiff.NewVar(init.Init(c, cell, in)),
		StateWeights: anydiff.NewVar(init.Init(c, cell, rec)),
		Biases:       anydiff.NewVar(c.MakeVector(cell)),
		InputScale:   newHyperNorm(c, hyperSize, embedSize, cell),
		StateScale:   newHyperNorm(c, hyperSize, embedSize, cell),
		BiasShift:    newHyperBias(c, hyperSize, embedSize, cell),
	}
	if peephole {
		res.Peephole = anydiff.NewVar(c.MakeVector(cell))
	}
	return res
}

// DeserializeHyperGate deserializes a HyperGate.
func DeserializeHyperGate(d []byte) (*HyperGate, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) != 6 && len(slice) != 7 {
		return nil, errors.New("invalid HyperGate slice")
	}
	inW, ok1 := slice[0].(*anyvecsave.S)
	stateW, ok2 := slice[1].(*anyvecsave.S)
	biases, ok3 := slice[2].(*anyvecsave.S)
	inScale, ok4 := slice[3].(*HyperNorm)
	stateScale, ok5 := slice[4].(*HyperNorm)
	biasShift, ok6 := slice[5].(*HyperBias)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return nil, errors.New("invalid HyperGate slice")
	}
	res := &HyperGate{
		InputWeights: anydiff.NewVar(inW.Vector),
		StateWeights: anydiff.NewVar(stateW.Vector),
		Biases:       anydiff.NewVar(biases.Vector),
		InputScale:   inScale,
		StateScale:   stateScale,
		BiasShift:    biasShift,
	}
	if len(slice) == 7 {
		peephole, ok := slice[6].(*anyvecsave.S)
		if !ok {
			return nil, errors.New("invalid HyperGate slice")
		}
		res.Peephole = anydiff.NewVar(peephole.Vector)
	}
	return res, nil
}

// Apply computes the pre-activation for a batch of n
// inputs, states, and auxiliary outputs.
//
// Peephole terms are not included; the owning cell adds
// them because their operand differs per gate.
func (h *HyperGate) Apply(in, state, hyperOut anydiff.Res, n int) anydiff.Res {
	cell := h.Biases.Vector.Len()
	inSize := h.InputWeights.Vector.Len() / cell
	recSize := h.StateWeights.Vector.Len() / cell
	inTerm := h.InputScale.Apply(applyWeights(inSize, cell, h.InputWeights, in),
		hyperOut, n)
	stateTerm := h.StateScale.Apply(applyWeights(recSize, cell, h.StateWeights, state),
		hyperOut, n)
	sum := anydiff.Add(inTerm, stateTerm)
	return anydiff.Add(sum, anydiff.AddRepeated(h.BiasShift.Apply(hyperOut, n), h.Biases))
}

// Parameters returns the parameters of the gate.
func (h *HyperGate) Parameters() []*anydiff.Var {
	res := []*anydiff.Var{h.InputWeights, h.StateWeights, h.Biases}
	res = append(res, h.InputScale.Parameters()...)
	res = append(res, h.StateScale.Parameters()...)
	res = append(res, h.BiasShift.Parameters()...)
	if h.Peephole != nil {
		res = append(res, h.Peephole)
	}
	return res
}

// SerializerType returns the unique ID used to serialize
// a HyperGate with the serializer package.
func (h *HyperGate) SerializerType() string {
	return "github.com/unixpickle/hypercell.HyperGate"
}

// Serialize serializes the HyperGate.
func (h *HyperGate) Serialize() ([]byte, error) {
	parts := []serializer.Serializer{
		&anyvecsave.S{Vector: h.InputWeights.Vector},
		&anyvecsave.S{Vector: h.StateWeights.Vector},
		&anyvecsave.S{Vector: h.Biases.Vector},
		h.InputScale,
		h.StateScale,
		h.BiasShift,
	}
	if h.Peephole != nil {
		parts = append(parts, &anyvecsave.S{Vector: h.Peephole.Vector})
	}
	return serializer.SerializeSlice(parts)
}

// HyperLSTM is a layer-normalized LSTM whose gate weights
// and biases are modulated at every timestep by a smaller
// auxiliary LSTM.
//
// The auxiliary cell sees the input concatenated with the
// main cell's last output, and its own state rides along
// with the main state.
//
// The option fields may be set after NewHyperLSTM and
// before the first use.
type HyperLSTM struct {
	// See the corresponding LSTM fields.
	Peepholes  bool
	CellClip   float64
	ProjSize   int
	ProjClip   float64
	ForgetBias float64
	Activation anynet.Layer

	// Epsilon is used by every normalization.
	// 0 is treated as the default, 1e-5.
	Epsilon float64

	// Init initializes the gate kernels.
	// A nil Init means orthogonal.
	Init Initializer

	// HyperSize is the auxiliary cell size.
	// 0 is treated as DefaultHyperSize.
	HyperSize int

	// EmbedSize is the width of the scale and shift
	// embeddings.
	// 0 is treated as DefaultEmbedSize.
	EmbedSize int

	// HyperCell is the auxiliary cell.
	HyperCell *LSTM

	In     *HyperGate
	NewIn  *HyperGate
	Forget *HyperGate
	Out    *HyperGate

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

// NewHyperLSTM creates a HyperLSTM with cell units.
//
// If in is 0, the input width is inferred from the first
// input batch.
func NewHyperLSTM(c anyvec.Creator, in, cell int) *HyperLSTM {
	return &HyperLSTM{
		ForgetBias: 1,
		creator:    c,
		inSize:     in,
		cellSize:   cell,
	}
}

// DeserializeHyperLSTM deserializes a HyperLSTM.
func DeserializeHyperLSTM(d []byte) (*HyperLSTM, error) {
	slice, err := serializer.DeserializeSlice(d)
	if err != nil {
		return nil, err
	}
	if len(slice) < 21 || len(slice) > 24 {
		return nil, errors.New("invalid HyperLSTM slice")
	}
	var ints [5]int
	var floats [3]float64
	var gates [4]*HyperGate
	var norms [5]*LayerNorm
	for i := range ints {
		num, ok := slice[i].(serializer.Int)
		if !ok {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		ints[i] = int(num)
	}
	for i := range floats {
		num, ok := slice[5+i].(serializer.Float64)
		if !ok {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		floats[i] = float64(num)
	}
	for i := range gates {
		gate, ok := slice[8+i].(*HyperGate)
		if !ok {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		gates[i] = gate
	}
	activation, ok := slice[12].(anynet.Layer)
	if !ok {
		return nil, errors.New("invalid HyperLSTM slice")
	}
	for i := range norms {
		norm, ok := slice[13+i].(*LayerNorm)
		if !ok {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		norms[i] = norm
	}
	hyperCell, ok1 := slice[18].(*LSTM)
	initCell, ok2 := slice[19].(*anyvecsave.S)
	initOut, ok3 := slice[20].(*anyvecsave.S)
	if !ok1 || !ok2 || !ok3 {
		return nil, errors.New("invalid HyperLSTM slice")
	}
	res := &HyperLSTM{
		Peepholes:  gates[0].Peephole != nil,
		ProjSize:   ints[2],
		ForgetBias: floats[0],
		CellClip:   floats[1],
		ProjClip:   floats[2],
		Activation: activation,
		Epsilon:    norms[4].Epsilon,
		HyperSize:  ints[3],
		EmbedSize:  ints[4],
		HyperCell:  hyperCell,
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
	rest := slice[21:]
	if res.ProjSize > 0 {
		if len(rest) == 0 {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		proj, ok := rest[0].(*Linear)
		if !ok {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		res.Proj = proj
		rest = rest[1:]
	}
	if res.Peepholes {
		if len(rest) != 2 {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		inPeep, ok1 := rest[0].(*LayerNorm)
		forgetPeep, ok2 := rest[1].(*LayerNorm)
		if !ok1 || !ok2 {
			return nil, errors.New("invalid HyperLSTM slice")
		}
		res.InPeepNorm = inPeep
		res.ForgetPeepNorm = forgetPeep
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return nil, errors.New("invalid HyperLSTM slice")
	}
	return res, nil
}

// InSize returns the input width, or 0 before it is known.
func (l *HyperLSTM) InSize() int {
	return l.inSize
}

// CellSize returns the number of main cell units.
func (l *HyperLSTM) CellSize() int {
	return l.cellSize
}

// OutSize returns the output width.
func (l *HyperLSTM) OutSize() int {
	if l.InitOut != nil {
		return l.InitOut.Vector.Len()
	}
	return l.outSize()
}

// StateSize returns the total width of the per-sequence
// state, including the auxiliary cell's.
func (l *HyperLSTM) StateSize() int {
	return l.CellSize() + l.OutSize() + 2*l.hyperSize()
}

// Start returns a start state of batch size n.
func (l *HyperLSTM) Start(n int) anyrnn.State {
	l.ensureBuilt(0)
	return &hyperState{
		Main: &cellState{
			Cell:    anyrnn.NewVecState(l.InitCell.Vector, n),
			LastOut: anyrnn.NewVecState(l.InitOut.Vector, n),
		},
		Aux: l.HyperCell.Start(n).(*cellState),
	}
}

// PropagateStart propagates through the start state.
func (l *HyperLSTM) PropagateStart(s anyrnn.StateGrad, g anydiff.Grad) {
	hs := s.(*hyperState)
	hs.Main.Cell.PropagateStart(l.InitCell, g)
	hs.Main.LastOut.PropagateStart(l.InitOut, g)
	l.HyperCell.PropagateStart(hs.Aux, g)
}

// Step performs one timestep.
//
// The auxiliary cell steps first on the input joined with
// the last output, then its output modulates every gate.
func (l *HyperLSTM) Step(s anyrnn.State, in anyvec.Vector) anyrnn.Res {
	hs := s.(*hyperState)
	pres := s.Present()
	n := pres.NumPresent()
	l.ensureBuilt(in.Len() / n)

	res := &hyperRes{
		InSize:       l.inSize,
		InPool:       anydiff.NewVar(in),
		LastOutPool:  anydiff.NewVar(hs.Main.LastOut.Vector),
		LastCellPool: anydiff.NewVar(hs.Main.Cell.Vector),
	}
	res.V = anydiff.NewVarSet(l.Parameters()...)

	xHat := joinRows(n, in, hs.Main.LastOut.Vector)
	res.AuxRes = l.HyperCell.Step(hs.Aux, xHat)
	res.HyperOutPool = anydiff.NewVar(res.AuxRes.Output())

	iArg := l.InNorm.Apply(l.In.Apply(res.InPool, res.LastOutPool,
		res.HyperOutPool, n), n)
	jArg := l.NewInNorm.Apply(l.NewIn.Apply(res.InPool, res.LastOutPool,
		res.HyperOutPool, n), n)
	fArg := l.ForgetNorm.Apply(l.Forget.Apply(res.InPool, res.LastOutPool,
		res.HyperOutPool, n), n)
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

	oArg := l.OutNorm.Apply(l.Out.Apply(res.InPool, res.LastOutPool,
		res.HyperOutPool, n), n)
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
	res.OutState = &hyperState{
		Main: &cellState{
			Cell:    &anyrnn.VecState{Vector: newCell.Output(), PresentMap: pres},
			LastOut: &anyrnn.VecState{Vector: out.Output(), PresentMap: pres},
		},
		Aux: res.AuxRes.State().(*cellState),
	}
	return res
}

// Parameters returns the parameters created so far,
// including the auxiliary cell's.
func (l *HyperLSTM) Parameters() []*anydiff.Var {
	l.ensureBuilt(0)
	res := []*anydiff.Var{l.InitCell, l.InitOut}
	for _, g := range []*HyperGate{l.In, l.NewIn, l.Forget, l.Out} {
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
	return append(res, l.HyperCell.Parameters()...)
}

// SerializerType returns the unique ID used to serialize
// a HyperLSTM with the serializer package.
func (l *HyperLSTM) SerializerType() string {
	return "github.com/unixpickle/hypercell.HyperLSTM"
}

// Serialize serializes the HyperLSTM.
// It fails if the cell has not been built yet.
func (l *HyperLSTM) Serialize() ([]byte, error) {
	l.ensureBuilt(0)
	if l.In == nil {
		return nil, errors.New("serialize HyperLSTM: input width not known yet")
	}
	parts := []serializer.Serializer{
		serializer.Int(l.inSize),
		serializer.Int(l.cellSize),
		serializer.Int(l.ProjSize),
		serializer.Int(l.hyperSize()),
		serializer.Int(l.embedSize()),
		serializer.Float64(l.ForgetBias),
		serializer.Float64(l.CellClip),
		serializer.Float64(l.ProjClip),
		l.In, l.NewIn, l.Forget, l.Out,
		l.activation().(serializer.Serializer),
		l.InNorm, l.NewInNorm, l.ForgetNorm, l.OutNorm,
		l.CellNorm,
		l.HyperCell,
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

func (l *HyperLSTM) activation() anynet.Layer {
	if l.Activation == nil {
		return anynet.Tanh
	}
	return l.Activation
}

func (l *HyperLSTM) ensureBuilt(in int) {
	l.buildLock.Lock()
	defer l.buildLock.Unlock()
	if l.InitCell == nil {
		l.InitCell = anydiff.NewVar(l.creator.MakeVector(l.cellSize))
		l.InitOut = anydiff.NewVar(l.creator.MakeVector(l.outSize()))
	}
	if l.HyperCell == nil {
		l.HyperCell = NewLSTM(l.creator, 0, l.hyperSize())
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
	init := l.Init
	if init == nil {
		init = Orthogonal{}
	}
	hyper, embed := l.hyperSize(), l.embedSize()
	l.In = newHyperGate(l.creator, init, in, rec, l.cellSize, hyper, embed, l.Peepholes)
	l.NewIn = newHyperGate(l.creator, init, in, rec, l.cellSize, hyper, embed, false)
	l.Forget = newHyperGate(l.creator, init, in, rec, l.cellSize, hyper, embed, l.Peepholes)
	l.Out = newHyperGate(l.creator, init, in, rec, l.cellSize, hyper, embed, l.Peepholes)
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
	if l.HyperCell.Init == nil {
		l.HyperCell.Init = init
	}
	l.HyperCell.ensureBuilt(in + rec)
}

func (l *HyperLSTM) newNorm() *LayerNorm {
	res := NewLayerNorm(l.creator, l.cellSize)
	res.Epsilon = l.Epsilon
	return res
}

func (l *HyperLSTM) outSize() int {
	if l.ProjSize > 0 {
		return l.ProjSize
	}
	return l.cellSize
}

func (l *HyperLSTM) hyperSize() int {
	if l.HyperSize > 0 {
		return l.HyperSize
	}
	return DefaultHyperSize
}

func (l *HyperLSTM) embedSize() int {
	if l.EmbedSize > 0 {
		return l.EmbedSize
	}
	return DefaultEmbedSize
}

// hyperRes propagates through one timestep of a
// HyperLSTM, including the auxiliary step.
type hyperRes struct {
	OutState *hyperState
	OutVec   anyvec.Vector
	V        anydiff.VarSet

	AuxRes  anyrnn.Res
	CellRes anydiff.Res
	OutRes  anydiff.Res

	InSize int

	InPool       *anydiff.Var
	LastOutPool  *anydiff.Var
	LastCellPool *anydiff.Var
	CellPool     *anydiff.Var
	HyperOutPool *anydiff.Var
}

func (h *hyperRes) State() anyrnn.State {
	return h.OutState
}

func (h *hyperRes) Output() anyvec.Vector {
	return h.OutVec
}

func (h *hyperRes) Vars() anydiff.VarSet {
	return h.V
}

func (h *hyperRes) Propagate(u anyvec.Vector, s anyrnn.StateGrad,
	g anydiff.Grad) (anyvec.Vector, anyrnn.StateGrad) {
	for _, p := range h.pools() {
		g[p] = p.Vector.Creator().MakeVector(p.Vector.Len())
	}
	defer func() {
		for _, p := range h.pools() {
			delete(g, p)
		}
	}()

	if s != nil {
		u.Add(s.(*hyperState).Main.LastOut.Vector)
	}
	h.OutRes.Propagate(u, g)

	cellUpstream := g[h.CellPool]
	delete(g, h.CellPool)
	if s != nil {
		cellUpstream.Add(s.(*hyperState).Main.Cell.Vector)
	}
	h.CellRes.Propagate(cellUpstream, g)

	hyperUpstream := g[h.HyperOutPool]
	delete(g, h.HyperOutPool)
	var auxGrad anyrnn.StateGrad
	if s != nil {
		auxGrad = s.(*hyperState).Aux
	}
	n := h.OutState.Present().NumPresent()
	xHatGrad, auxDown := h.AuxRes.Propagate(hyperUpstream, auxGrad, g)
	inGrad, lastOutGrad := splitRows(n, h.InSize, xHatGrad)
	g[h.InPool].Add(inGrad)
	g[h.LastOutPool].Add(lastOutGrad)

	downState := &hyperState{
		Main: &cellState{
			Cell: &anyrnn.VecState{
				Vector:     g[h.LastCellPool],
				PresentMap: h.OutState.Present(),
			},
			LastOut: &anyrnn.VecState{
				Vector:     g[h.LastOutPool],
				PresentMap: h.OutState.Present(),
			},
		},
		Aux: auxDown.(*cellState),
	}
	return g[h.InPool], downState
}

func (h *hyperRes) pools() []*anydiff.Var {
	return []*anydiff.Var{h.InPool, h.LastOutPool, h.LastCellPool,
		h.CellPool, h.HyperOutPool}
}
