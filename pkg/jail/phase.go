package jail

import (
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// ErrInvalidTransition is returned when a jail operation does not apply to
// the jail's current phase
var ErrInvalidTransition = errors.New("invalid jail phase transition")

// transitions lists the phases reachable from each phase. A build-phase
// jail can only serve after Cutover, never directly from Created.
var transitions = map[types.JailPhase][]types.JailPhase{
	types.JailPhaseCreated:  {types.JailPhaseBuilding, types.JailPhaseDestroyed},
	types.JailPhaseBuilding: {types.JailPhaseServing, types.JailPhaseStopped, types.JailPhaseDestroyed},
	types.JailPhaseServing:  {types.JailPhaseStopped, types.JailPhaseDestroyed},
	types.JailPhaseStopped:  {types.JailPhaseDestroyed},
}

// CanTransition reports whether a jail may move from one phase to another
func CanTransition(from, to types.JailPhase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

func transition(j *types.Jail, to types.JailPhase) error {
	if !CanTransition(j.Phase, to) {
		return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, j.Name, j.Phase, to)
	}
	return nil
}
