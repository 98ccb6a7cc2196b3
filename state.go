package hypercell

import (
	"github.com/unixpickle/anynet/anyrnn"
)

// cellState is the (cell, last output) pair carried across
// timesteps by the cells in this package.
// It doubles as the corresponding state gradient.
type cellState struct {
	Cell    *anyrnn.VecState
	LastOut *anyrnn.VecState
}

func (c *cellState) Present() anyrnn.PresentMap {
	return c.Cell.Present()
}

func (c *cellState) Reduce(p anyrnn.PresentMap) anyrnn.State {
	return &cellState{
		Cell:    c.Cell.Reduce(p).(*anyrnn.VecState),
		LastOut: c.LastOut.Reduce(p).(*anyrnn.VecState),
	}
}

func (c *cellState) Expand(p anyrnn.PresentMap) anyrnn.StateGrad {
	return &cellState{
		Cell:    c.Cell.Expand(p).(*anyrnn.VecState),
		LastOut: c.LastOut.Expand(p).(*anyrnn.VecState),
	}
}

// hyperState pairs the main cell state with the auxiliary
// cell's state.
type hyperState struct {
	Main *cellState
	Aux  *cellState
}

func (h *hyperState) Present() anyrnn.PresentMap {
	return h.Main.Present()
}

func (h *hyperState) Reduce(p anyrnn.PresentMap) anyrnn.State {
	return &hyperState{
		Main: h.Main.Reduce(p).(*cellState),
		Aux:  h.Aux.Reduce(p).(*cellState),
	}
}

func (h *hyperState) Expand(p anyrnn.PresentMap) anyrnn.StateGrad {
	return &hyperState{
		Main: h.Main.Expand(p).(*cellState),
		Aux:  h.Aux.Expand(p).(*cellState),
	}
}
