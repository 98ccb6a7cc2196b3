package hypercell

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
)

// testSeqs generates test sequences of varying lengths.
//
// The resulting sequence will depend on one variable per
// timestep, i.e. it will not be constant.
func testSeqs(c anyvec.Creator, inSize int) anyseq.Seq {
	const numSeqs = 8

	lengths := rand.Perm(numSeqs)

	// Ensure that two sequences are the same length,
	// thus catching potential edge-cases.
	lengths[0] = lengths[2]
	lengths[3] = lengths[5]

	return testSeqsLen(c, inSize, lengths...)
}

func testSeqsLen(c anyvec.Creator, inSize int, lengths ...int) anyseq.Seq {
	var seqs [][]anyvec.Vector
	for i := 0; i < len(lengths); i++ {
		var seq []anyvec.Vector
		for j := 0; j < lengths[i]; j++ {
			vec := c.MakeVector(inSize)
			anyvec.Rand(vec, anyvec.Normal, nil)
			seq = append(seq, vec)
		}
		seqs = append(seqs, seq)
	}

	joined := anyseq.ConstSeqList(c, seqs)

	resBatches := make([]*anyseq.ResBatch, len(joined.Output()))
	for i, x := range joined.Output() {
		resBatches[i] = &anyseq.ResBatch{
			Packed:  anydiff.NewVar(x.Packed),
			Present: x.Present,
		}
	}

	return anyseq.ResSeq(c, resBatches)
}

// constSeqs generates deterministic constant sequences,
// useful when the gradient should only cover parameters.
func constSeqs(c anyvec.Creator, inSize int, lengths ...int) anyseq.Seq {
	gen := rand.New(rand.NewSource(2065))
	var seqs [][]anyvec.Vector
	for _, length := range lengths {
		var seq []anyvec.Vector
		for j := 0; j < length; j++ {
			data := make([]float64, inSize)
			for i := range data {
				data[i] = gen.NormFloat64()
			}
			seq = append(seq, c.MakeVectorData(data))
		}
		seqs = append(seqs, seq)
	}
	return anyseq.ConstSeqList(c, seqs)
}

// testEquivalent ensures that two ways of producing an
// anyseq.Seq are equivalent.
func testEquivalent(t *testing.T, actual, expected func() anyseq.Seq) {
	t.Run("Vars", func(t *testing.T) {
		testVarEquivalence(t, actual, expected)
	})
	t.Run("Out", func(t *testing.T) {
		testOutEquivalence(t, actual, expected)
	})
	t.Run("Grad", func(t *testing.T) {
		testGradEquivalence(t, actual, expected)
	})
}

func testVarEquivalence(t *testing.T, actual, expected func() anyseq.Seq) {
	vars1 := actual().Vars()
	vars2 := expected().Vars()
	if len(vars1) != len(vars2) {
		t.Error("variable mismatch")
	} else {
		for x := range vars1 {
			if !vars2.Has(x) {
				t.Error("variable mismatch")
			}
		}
	}
}

func testOutEquivalence(t *testing.T, actual, expected func() anyseq.Seq) {
	actOut := actual().Output()
	expOut := expected().Output()
	if len(actOut) != len(expOut) {
		t.Errorf("output length: expected %d got %d", len(expOut), len(actOut))
		return
	}
	for i, actBatch := range actOut {
		expBatch := expOut[i]
		if !reflect.DeepEqual(actBatch.Present, expBatch.Present) {
			t.Errorf("present mismatch: time %d: expected %v got %v", i,
				expBatch.Present, actBatch.Present)
			return
		}
		v1 := actBatch.Packed.Copy()
		v1.Sub(expBatch.Packed)
		maxDiff := anyvec.AbsMax(v1).(float64)
		if maxDiff > 1e-4 {
			t.Errorf("output mismatch: time %d: expected %v got %v", i,
				expBatch.Packed.Data(), actBatch.Packed.Data())
			return
		}
	}
}

func testGradEquivalence(t *testing.T, actual, expected func() anyseq.Seq) {
	t.Run("AllVars", func(t *testing.T) {
		actGrad := computeGradient(actual(), nil)
		expGrad := computeGradient(expected(), nil)
		gradientsEquivalent(t, actGrad, expGrad)
	})
	t.Run("SingleVar", func(t *testing.T) {
		for v := range actual().Vars() {
			vs := anydiff.NewVarSet(v)
			actGrad := computeGradient(actual(), vs)
			expGrad := computeGradient(expected(), vs)
			gradientsEquivalent(t, actGrad, expGrad)
		}
	})
}

func computeGradient(seq anyseq.Seq, vars anydiff.VarSet) anydiff.Grad {
	if vars == nil {
		vars = seq.Vars()
	}

	grad := anydiff.NewGrad(vars.Slice()...)
	seq.Propagate(fixedUpstream(seq), grad)
	return grad
}

// fixedUpstream generates a deterministic upstream for the
// shape of seq, so that a scalar loss can be evaluated
// consistently across calls.
func fixedUpstream(seq anyseq.Seq) []*anyseq.Batch {
	upstreamGen := rand.New(rand.NewSource(1337))
	upstream := make([]*anyseq.Batch, len(seq.Output()))
	for i, x := range seq.Output() {
		data := make([]float64, x.Packed.Len())
		for i := range data {
			data[i] = upstreamGen.NormFloat64()
		}
		upstream[i] = &anyseq.Batch{
			Present: x.Present,
			Packed:  x.Packed.Creator().MakeVectorData(data),
		}
	}
	return upstream
}

func gradientsEquivalent(t *testing.T, actGrad, expGrad anydiff.Grad) {
	for variable, vec := range actGrad {
		expVec := expGrad[variable]
		if expVec == nil {
			t.Error("excess variable")
			continue
		}
		diff := expVec.Copy()
		diff.Sub(vec)
		maxDiff := anyvec.AbsMax(diff).(float64)
		if maxDiff > 1e-4 {
			t.Errorf("gradient mismatch: expected %v got %v", expVec.Data(),
				vec.Data())
			return
		}
	}
}

// testSameOutputs maps two blocks over the same sequences
// and requires identical outputs.
func testSameOutputs(t *testing.T, in anyseq.Seq, actual, expected anyrnn.Block) {
	actOut := anyrnn.Map(in, actual).Output()
	expOut := anyrnn.Map(in, expected).Output()
	if len(actOut) != len(expOut) {
		t.Fatalf("output length: expected %d got %d", len(expOut), len(actOut))
	}
	for i, actBatch := range actOut {
		diff := actBatch.Packed.Copy()
		diff.Sub(expOut[i].Packed)
		maxDiff := anyvec.AbsMax(diff).(float64)
		if maxDiff > 1e-4 {
			t.Errorf("output mismatch: time %d: expected %v got %v", i,
				expOut[i].Packed.Data(), actBatch.Packed.Data())
			return
		}
	}
}

// testBlockGradients verifies the gradients for the params
// of a block against finite differences of a scalar loss.
func testBlockGradients(t *testing.T, c anyvec.Creator, block anyrnn.Block,
	params []*anydiff.Var, inSize int) {
	const delta = 1e-5

	inSeqs := constSeqs(c, inSize, 3, 1, 4)
	forward := func() anyseq.Seq {
		return anyrnn.Map(inSeqs, block)
	}

	out := forward()
	upstream := fixedUpstream(out)
	grad := anydiff.NewGrad(params...)
	out.Propagate(copyUpstream(upstream), grad)

	loss := func() float64 {
		var sum float64
		for i, batch := range forward().Output() {
			sum += batch.Packed.Dot(upstream[i].Packed).(float64)
		}
		return sum
	}

	indexGen := rand.New(rand.NewSource(55))
	for paramIdx, param := range params {
		vec := param.Vector
		gradData := grad[param].Data().([]float64)
		for k := 0; k < 3 && k < vec.Len(); k++ {
			idx := indexGen.Intn(vec.Len())
			data := vec.Data().([]float64)
			old := data[idx]

			data[idx] = old + delta
			vec.SetData(data)
			plus := loss()

			data[idx] = old - delta
			vec.SetData(data)
			minus := loss()

			data[idx] = old
			vec.SetData(data)

			approx := (plus - minus) / (2 * delta)
			exact := gradData[idx]
			if math.Abs(approx-exact) > 1e-4*math.Max(1, math.Abs(exact)) {
				t.Errorf("param %d entry %d: gradient should be %v but got %v",
					paramIdx, idx, approx, exact)
			}
		}
	}
}

func copyUpstream(upstream []*anyseq.Batch) []*anyseq.Batch {
	res := make([]*anyseq.Batch, len(upstream))
	for i, x := range upstream {
		res[i] = &anyseq.Batch{Present: x.Present, Packed: x.Packed.Copy()}
	}
	return res
}
