package demo

import (
	"math"

	"github.com/volley-project/volley/internal/gamestate"
)

// Circle returns an input source steering one lap every period seconds.
// Headless clients drive their player with it.
func Circle(period float64) func(t, dt float64) gamestate.InputCommand {
	if period <= 0 {
		period = 1
	}
	return func(t, dt float64) gamestate.InputCommand {
		a := 2 * math.Pi * t / period
		return gamestate.NewInputCommand(dt, int(math.Round(127*math.Cos(a))), int(math.Round(127*math.Sin(a))), 0)
	}
}
