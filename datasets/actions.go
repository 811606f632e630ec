package datasets

// Action is a continuous (steer, gas, brake) control vector as recorded by a
// driving agent. Steer is in [-1, 1], gas and brake in [0, 1].
type Action [3]float32

// AvailableActions enumerates the recognized discrete driving actions. The
// slice order defines the class indices used as training labels.
var AvailableActions = []Action{
	{0, 0, 0},  // noop
	{-1, 0, 0}, // left
	{-1, 0, 1}, // left+brake
	{1, 0, 0},  // right
	{1, 0, 1},  // right+brake
	{0, 1, 0},  // accelerate
	{0, 0, 1},  // brake
}

// ActionNames are human-readable labels aligned with AvailableActions.
var ActionNames = []string{
	"noop",
	"left",
	"left+brake",
	"right",
	"right+brake",
	"accelerate",
	"brake",
}

// RareActions are the events inflated during balancing: human recordings
// contain too few of them to learn from otherwise.
var RareActions = []Action{
	{-1, 0, 1}, // left+brake
	{1, 0, 1},  // right+brake
	{0, 0, 1},  // brake
}

// Accelerate is the dominant action in human recordings; Balance down-samples
// it. Looked up by pattern so a reordered catalog cannot silently mis-balance.
var Accelerate = Action{0, 1, 0}

// ClassSentinel marks an action vector that matches no recognized pattern.
const ClassSentinel int32 = -1

// ActionClass maps an action vector to its class index by exact equality
// against AvailableActions in enumeration order. Returns ClassSentinel when
// nothing matches.
func ActionClass(a Action) int32 {
	for i, p := range AvailableActions {
		if a == p {
			return int32(i)
		}
	}
	return ClassSentinel
}

// isRare reports whether the action is one of the inflation targets.
func isRare(a Action) bool {
	for _, p := range RareActions {
		if a == p {
			return true
		}
	}
	return false
}
