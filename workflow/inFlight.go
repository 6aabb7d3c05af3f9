package workflow

import "sync"

type Action string

const (
	ActionRecordItem      Action = "record_item"
	ActionSkipItem        Action = "skip_item"
	ActionComplete        Action = "complete"
	ActionProceedToIntake Action = "proceed_to_intake"
	ActionConvert         Action = "convert"
	ActionClose           Action = "close"
	ActionAbandon         Action = "abandon"
)

type inFlightKey struct {
	qualityCheckId string
	action         Action
	target         string
}

// inFlightGuard rejects a second submission of the same action while the first is pending.
type inFlightGuard struct {
	mu      sync.Mutex
	pending map[inFlightKey]struct{}
}

func newInFlightGuard() *inFlightGuard {
	return &inFlightGuard{pending: make(map[inFlightKey]struct{})}
}

// begin returns a release func, or ErrActionInFlight.
func (g *inFlightGuard) begin(qualityCheckId string, action Action, target string) (func(), error) {
	key := inFlightKey{qualityCheckId, action, target}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.pending[key]; busy {
		return nil, ErrActionInFlight
	}
	g.pending[key] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.pending, key)
		g.mu.Unlock()
	}, nil
}

func (g *inFlightGuard) isPending(qualityCheckId string, action Action) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.pending {
		if key.qualityCheckId == qualityCheckId && key.action == action {
			return true
		}
	}
	return false
}
