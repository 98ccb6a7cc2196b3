// Command bench times the cells in this package, forward
// and backward, over batches of random sequences.
package main

import (
	"flag"
	"log"
	"math/rand"
	"time"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anyseq"
	"github.com/unixpickle/anynet/anyrnn"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/hypercell"
	"github.com/unixpickle/lazyseq"
	"github.com/unixpickle/lazyseq/lazyrnn"
)

// Blocks maps flag values to cell constructors.
var Blocks = map[string]func(c anyvec.Creator, in, cell int) anyrnn.Block{
	"lstm": func(c anyvec.Creator, in, cell int) anyrnn.Block {
		return hypercell.NewLSTM(c, in, cell)
	},
	"lnlstm": func(c anyvec.Creator, in, cell int) anyrnn.Block {
		return hypercell.NewLayerNormLSTM(c, in, cell)
	},
	"hyperlstm": func(c anyvec.Creator, in, cell int) anyrnn.Block {
		return hypercell.NewHyperLSTM(c, in, cell)
	},
}

func main() {
	var cellName string
	var inSize, cellSize, batch, steps, rounds, hsmInterval int
	var use32 bool
	flag.StringVar(&cellName, "cell", "hyperlstm", "cell type (lstm, lnlstm, hyperlstm)")
	flag.IntVar(&inSize, "in", 64, "input width")
	flag.IntVar(&cellSize, "units", 256, "cell units")
	flag.IntVar(&batch, "batch", 16, "sequences per batch")
	flag.IntVar(&steps, "steps", 64, "timesteps per sequence")
	flag.IntVar(&rounds, "rounds", 4, "timing rounds")
	flag.IntVar(&hsmInterval, "hsm", 0, "run under hidden-state memorization "+
		"with this interval")
	flag.BoolVar(&use32, "f32", false, "use 32-bit vectors")
	flag.Parse()

	maker, ok := Blocks[cellName]
	if !ok {
		essentials.Die("unknown cell:", cellName)
	}

	var c anyvec.Creator = anyvec64.DefaultCreator{}
	if use32 {
		c = anyvec32.DefaultCreator{}
	}

	block := maker(c, inSize, cellSize)
	seqs := benchSeqs(c, inSize, batch, steps)

	run := func() anyseq.Seq {
		if hsmInterval > 0 {
			return lazyseq.Unlazify(lazyrnn.FixedHSM(hsmInterval, true,
				lazyseq.Lazify(seqs), block))
		}
		return anyrnn.Map(seqs, block)
	}

	// Warm up and force the parameter creation.
	warmup := run()
	warmup.Propagate(onesUpstream(warmup), anydiff.NewGrad(warmup.Vars().Slice()...))

	log.Printf("timing %s: in=%d units=%d batch=%d steps=%d", cellName,
		inSize, cellSize, batch, steps)
	for i := 0; i < rounds; i++ {
		start := time.Now()
		out := run()
		forward := time.Since(start)

		grad := anydiff.NewGrad(out.Vars().Slice()...)
		start = time.Now()
		out.Propagate(onesUpstream(out), grad)
		backward := time.Since(start)

		log.Printf("round %d: forward %v, backward %v", i, forward, backward)
	}
}

func benchSeqs(c anyvec.Creator, inSize, batch, steps int) anyseq.Seq {
	gen := rand.New(rand.NewSource(1))
	seqs := make([][]anyvec.Vector, batch)
	for i := range seqs {
		for j := 0; j < steps; j++ {
			vec := c.MakeVector(inSize)
			anyvec.Rand(vec, anyvec.Normal, gen)
			seqs[i] = append(seqs[i], vec)
		}
	}
	return anyseq.ConstSeqList(c, seqs)
}

func onesUpstream(seq anyseq.Seq) []*anyseq.Batch {
	res := make([]*anyseq.Batch, len(seq.Output()))
	for i, x := range seq.Output() {
		ones := x.Packed.Creator().MakeVector(x.Packed.Len())
		ones.AddScalar(x.Packed.Creator().MakeNumeric(1.0))
		res[i] = &anyseq.Batch{Present: x.Present, Packed: ones}
	}
	return res
}
