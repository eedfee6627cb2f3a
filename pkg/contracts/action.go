package contracts

import "fmt"

// ActionClass is the impact tier of a candidate action.
// Tiers are ordered: a higher tier is never treated more leniently than a lower one.
type ActionClass string

// Action class constants, from pure observation to irreversible action.
const (
	ActionObserve         ActionClass = "A0_observe"
	ActionSoftContainment ActionClass = "A1_soft_containment"
	ActionHardContainment ActionClass = "A2_hard_containment"
	ActionIrreversible    ActionClass = "A3_irreversible"
)

// Tier returns the numeric tier (0-3) of the class, or -1 when unknown.
func (c ActionClass) Tier() int {
	switch c {
	case ActionObserve:
		return 0
	case ActionSoftContainment:
		return 1
	case ActionHardContainment:
		return 2
	case ActionIrreversible:
		return 3
	default:
		return -1
	}
}

// Valid reports whether c is one of the four known classes.
func (c ActionClass) Valid() bool {
	return c.Tier() >= 0
}

// RequiresApproval reports whether executing an intent of this class needs an
// APPROVED, bound approval. Only A0 runs without one.
func (c ActionClass) RequiresApproval() bool {
	return c != ActionObserve
}

// ParseActionClass accepts either the full class name or its short tier ("A2").
func ParseActionClass(s string) (ActionClass, error) {
	switch s {
	case "A0", string(ActionObserve):
		return ActionObserve, nil
	case "A1", string(ActionSoftContainment):
		return ActionSoftContainment, nil
	case "A2", string(ActionHardContainment):
		return ActionHardContainment, nil
	case "A3", string(ActionIrreversible):
		return ActionIrreversible, nil
	}
	return "", fmt.Errorf("unknown action class %q", s)
}

// ActionClasses lists every class in tier order.
func ActionClasses() []ActionClass {
	return []ActionClass{ActionObserve, ActionSoftContainment, ActionHardContainment, ActionIrreversible}
}
