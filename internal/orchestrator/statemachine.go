package orchestrator

import (
	"fmt"

	"github.com/fixbench/fixbench/api/schemas"
)

// transitions is the complete legal state graph for one (bug, fix-source)
// pair. Anything not listed here is a programming error, caught loudly
// rather than silently recorded.
var transitions = map[schemas.RunState][]schemas.RunState{
	schemas.StatePending:       {schemas.StateSnapshotReady, schemas.StateSnapshotFailed},
	schemas.StateSnapshotReady: {schemas.StateEnvReady, schemas.StateEnvFailed},
	schemas.StateEnvReady:      {schemas.StatePatched, schemas.StatePatchFailed},
	schemas.StatePatched:       {schemas.StateTested, schemas.StateTestFailed},
	schemas.StateTested:        {schemas.StateRecorded},
}

// machine tracks one pair's position in the pipeline.
type machine struct {
	key   string
	state schemas.RunState
}

func newMachine(key string) *machine {
	return &machine{key: key, state: schemas.StatePending}
}

// advance moves to the next state, returning an error on any transition the
// table does not allow.
func (m *machine) advance(next schemas.RunState) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s for %s", m.state, next, m.key)
}

// failureStateFor maps an error's stage to its terminal state.
func failureStateFor(current schemas.RunState) schemas.RunState {
	switch current {
	case schemas.StatePending:
		return schemas.StateSnapshotFailed
	case schemas.StateSnapshotReady:
		return schemas.StateEnvFailed
	case schemas.StateEnvReady:
		return schemas.StatePatchFailed
	case schemas.StatePatched:
		return schemas.StateTestFailed
	}
	return schemas.StateTestFailed
}
