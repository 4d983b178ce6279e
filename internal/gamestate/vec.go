package gamestate

import (
	"fmt"
	"math"
)

// Vec2 is a 2D position or direction in world units.
type Vec2 struct {
	X float32 `wire:"x" yaml:"x" json:"x"`
	Y float32 `wire:"y" yaml:"y" json:"y"`
}

// V is shorthand for Vec2{x, y}.
func V(x, y float32) Vec2 { return Vec2{X: x, Y: y} }

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }

func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{v.X - o.X, v.Y - o.Y} }

func (v Vec2) Scale(f float32) Vec2 { return Vec2{v.X * f, v.Y * f} }

// Len returns the Euclidean length.
func (v Vec2) Len() float32 {
	return float32(math.Hypot(float64(v.X), float64(v.Y)))
}

// CloserThan reports whether o lies strictly within dist of v.
func (v Vec2) CloserThan(o Vec2, dist float32) bool {
	d := v.Sub(o)
	return d.X*d.X+d.Y*d.Y < dist*dist
}

// Lerp returns the point alpha of the way from a to b.
func Lerp(a, b Vec2, alpha float64) Vec2 {
	f := float32(alpha)
	return Vec2{a.X + (b.X-a.X)*f, a.Y + (b.Y-a.Y)*f}
}

func (v Vec2) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", v.X, v.Y)
}
