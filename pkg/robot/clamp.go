package robot

import "math"

// Goal is a requested target next to the joint's present position.
type Goal struct {
	Target  float64
	Present float64
}

// ClampStep bounds target so that |result - present| <= maxStep.
func ClampStep(target, present, maxStep float64) float64 {
	return math.Max(present-maxStep, math.Min(present+maxStep, target))
}

// EnsureSafeGoal clamps every goal to within maxStep of its present
// position and returns the resulting targets plus the joints that were
// changed.
func EnsureSafeGoal(goals map[JointName]Goal, maxStep func(JointName) (float64, bool)) (safe map[JointName]float64, clamped []JointName) {
	safe = make(map[JointName]float64, len(goals))
	for name, g := range goals {
		v := g.Target
		if limit, ok := maxStep(name); ok {
			v = ClampStep(g.Target, g.Present, limit)
		}
		if v != g.Target {
			clamped = append(clamped, name)
		}
		safe[name] = v
	}
	return safe, clamped
}
