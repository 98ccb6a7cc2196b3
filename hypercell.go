// Package hypercell implements recurrent cells built
// around the LSTM: a plain LSTM, a layer-normalized LSTM,
// and a hyper-network LSTM whose gate parameters are
// modulated by a smaller auxiliary LSTM.
//
// Every cell implements anyrnn.Block and allocates its
// parameters once, the first time the cell is used; the
// same variables are then reused on every timestep.
// Structural options (peepholes, clipping, projection,
// activation, initialization) are exported fields which
// must be set before the first use.
package hypercell

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// applyWeights multiplies a batch of row vectors by the
// transpose of a row-major out-by-in weight matrix.
func applyWeights(in, out int, weights, batch anydiff.Res) anydiff.Res {
	inMat := &anydiff.Matrix{
		Data: batch,
		Rows: batch.Output().Len() / in,
		Cols: in,
	}
	weightMat := &anydiff.Matrix{Data: weights, Rows: out, Cols: in}
	return anydiff.MatMul(false, true, inMat, weightMat).Data
}

// clipRange clips every component of in to the closed
// interval [-limit, limit].
func clipRange(in anydiff.Res, limit float64) anydiff.Res {
	c := in.Output().Creator()
	neg := c.MakeNumeric(-1)
	lower := anydiff.ClipPos(anydiff.AddScalar(in, c.MakeNumeric(limit)))
	upper := anydiff.ClipPos(anydiff.AddScalar(anydiff.Scale(lower, neg),
		c.MakeNumeric(2*limit)))
	return anydiff.AddScalar(anydiff.Scale(upper, neg), c.MakeNumeric(limit))
}

// joinRows joins two batches of n rows into one batch
// whose rows are the concatenated rows of a and b.
func joinRows(n int, a, b anyvec.Vector) anyvec.Vector {
	aCols := a.Len() / n
	bCols := b.Len() / n
	parts := make([]anyvec.Vector, 0, 2*n)
	for i := 0; i < n; i++ {
		parts = append(parts, a.Slice(i*aCols, (i+1)*aCols))
		parts = append(parts, b.Slice(i*bCols, (i+1)*bCols))
	}
	return a.Creator().Concat(parts...)
}

// splitRows undoes joinRows, splitting each row of the
// batch after its first aCols columns.
func splitRows(n, aCols int, joined anyvec.Vector) (a, b anyvec.Vector) {
	cols := joined.Len() / n
	aParts := make([]anyvec.Vector, 0, n)
	bParts := make([]anyvec.Vector, 0, n)
	for i := 0; i < n; i++ {
		row := joined.Slice(i*cols, (i+1)*cols)
		aParts = append(aParts, row.Slice(0, aCols))
		bParts = append(bParts, row.Slice(aCols, cols))
	}
	return joined.Creator().Concat(aParts...), joined.Creator().Concat(bParts...)
}
