package hypercell

import (
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/serializer"
)

func TestHyperNormInitialScale(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	hn := newHyperNorm(c, 5, 4, 6)

	in := c.MakeVector(6)
	anyvec.Rand(in, anyvec.Normal, nil)
	hyperOut := c.MakeVector(5)
	anyvec.Rand(hyperOut, anyvec.Normal, nil)

	out := hn.Apply(anydiff.NewConst(in), anydiff.NewConst(hyperOut), 1).Output()
	expected := in.Copy()
	expected.Scale(c.MakeNumeric(hyperNormGamma))
	diff := out.Copy()
	diff.Sub(expected)
	if anyvec.AbsMax(diff).(float64) > 1e-12 {
		t.Errorf("scales should start at %v: expected %v got %v",
			hyperNormGamma, expected.Data(), out.Data())
	}
}

func TestHyperBiasInitialShift(t *testing.T) {
	c := anyvec64.DefaultCreator{}
	hb := newHyperBias(c, 5, 4, 6)

	hyperOut := c.MakeVector(5)
	anyvec.Rand(hyperOut, anyvec.Normal, nil)

	out := hb.Apply(anydiff.NewConst(hyperOut), 1).Output()
	if anyvec.AbsMax(out).(float64) != 0 {
		t.Errorf("shifts should start at zero but got %v", out.Data())
	}
}

func TestHyperLSTMInitialEquivalence(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	h := NewHyperLSTM(c, 3, 5)
	h.HyperSize = 4
	h.EmbedSize = 2
	h.Parameters()

	l := NewLayerNormLSTM(c, 3, 5)
	l.Parameters()

	pairs := [][2]interface{}{
		{l.In, h.In}, {l.NewIn, h.NewIn}, {l.Forget, h.Forget}, {l.Out, h.Out},
	}
	for _, pair := range pairs {
		dst := pair[0].(*Gate)
		src := pair[1].(*HyperGate)
		dst.InputWeights.Vector.Set(src.InputWeights.Vector)
		dst.InputWeights.Vector.Scale(c.MakeNumeric(hyperNormGamma))
		dst.StateWeights.Vector.Set(src.StateWeights.Vector)
		dst.StateWeights.Vector.Scale(c.MakeNumeric(hyperNormGamma))
		dst.Biases.Vector.Set(src.Biases.Vector)
	}

	testSameOutputs(t, testSeqs(c, 3), h, l)
}

func TestHyperLSTMShapes(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	h := NewHyperLSTM(c, 2, 3)
	state := h.Start(1).(*hyperState)
	if state.Aux.Cell.Vector.Len() != DefaultHyperSize {
		t.Errorf("auxiliary cell width should be %d but got %d",
			DefaultHyperSize, state.Aux.Cell.Vector.Len())
	}
	if h.StateSize() != 3+3+2*DefaultHyperSize {
		t.Errorf("bad state width %d", h.StateSize())
	}

	small := NewHyperLSTM(c, 2, 3)
	small.HyperSize = 4
	small.EmbedSize = 2
	if small.StateSize() != 14 {
		t.Errorf("state width should be 14 but got %d", small.StateSize())
	}
	if n := len(small.Parameters()); n != 70 {
		t.Errorf("expected 70 parameters but got %d", n)
	}
	if small.HyperCell.InSize() != 5 {
		t.Errorf("auxiliary input width should be 5 but got %d",
			small.HyperCell.InSize())
	}
}

func TestHyperLSTMLazyBuild(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	l := NewHyperLSTM(c, 0, 3)
	l.HyperSize = 4
	l.EmbedSize = 2

	if n := len(l.Parameters()); n != 4 {
		t.Errorf("expected 4 start parameters but got %d", n)
	}
	if _, err := l.Serialize(); err == nil {
		t.Error("expected serialize error before the input width is known")
	}

	anyrnn.Map(testSeqsLen(c, 2, 3, 1), l)
	if l.InSize() != 2 {
		t.Errorf("input width should be 2 but got %d", l.InSize())
	}
	if n := len(l.Parameters()); n != 70 {
		t.Errorf("expected 70 parameters but got %d", n)
	}

	mustPanic(t, func() {
		l.Step(l.Start(1), c.MakeVector(5))
	})
}

func TestHyperLSTMSerialize(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	cases := map[string]func(l *HyperLSTM){
		"Plain": func(l *HyperLSTM) {},
		"Projection": func(l *HyperLSTM) {
			l.ProjSize = 2
			l.ProjClip = 0.8
		},
		"Peepholes": func(l *HyperLSTM) {
			l.Peepholes = true
		},
		"Both": func(l *HyperLSTM) {
			l.ProjSize = 2
			l.Peepholes = true
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewHyperLSTM(c, 3, 5)
			a.HyperSize = 4
			a.EmbedSize = 2
			setup(a)
			a.Parameters()

			data, err := serializer.SerializeAny(a)
			if err != nil {
				t.Fatal(err)
			}
			var b *HyperLSTM
			if err := serializer.DeserializeAny(data, &b); err != nil {
				t.Fatal(err)
			}

			if b.Peepholes != a.Peepholes || b.ProjSize != a.ProjSize {
				t.Error("options were not preserved")
			}
			if b.HyperSize != 4 || b.EmbedSize != 2 {
				t.Errorf("hyper sizes were not preserved: %d, %d",
					b.HyperSize, b.EmbedSize)
			}
			if b.HyperCell == nil || b.HyperCell.CellSize() != 4 {
				t.Fatal("auxiliary cell was not preserved")
			}
			testSameOutputs(t, testSeqs(c, 3), b, a)
		})
	}
}

func TestHyperLSTMDefaultSizes(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	a := NewHyperLSTM(c, 2, 3)
	a.Parameters()
	data, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeserializeHyperLSTM(data)
	if err != nil {
		t.Fatal(err)
	}
	if b.HyperSize != DefaultHyperSize || b.EmbedSize != DefaultEmbedSize {
		t.Errorf("default sizes should be resolved: %d, %d",
			b.HyperSize, b.EmbedSize)
	}
}

func TestHyperLSTMGradients(t *testing.T) {
	c := anyvec64.DefaultCreator{}

	blocks := map[string]*HyperLSTM{
		"Plain":      NewHyperLSTM(c, 3, 4),
		"Peepholes":  NewHyperLSTM(c, 3, 4),
		"Projection": NewHyperLSTM(c, 3, 5),
	}
	blocks["Peepholes"].Peepholes = true
	blocks["Projection"].ProjSize = 2

	for name, block := range blocks {
		block.HyperSize = 3
		block.EmbedSize = 2
		t.Run(name, func(t *testing.T) {
			testBlockGradients(t, c, block, block.Parameters(), 3)
		})
	}
}
