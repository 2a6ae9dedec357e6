package auction

import "sync"

// guardSet is the per-subject mutual-exclusion guard on mutating entry
// points. External value transfers run recipient code synchronously, so a
// malicious recipient can try to call back into the market before the
// in-flight operation finishes; entering a guarded subject twice is rejected
// instead of blocking, which turns a would-be re-entrancy into a plain error.
type guardSet struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newGuardSet() *guardSet {
	return &guardSet{busy: make(map[string]bool)}
}

func (g *guardSet) enter(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy[id] {
		return ErrReentrant
	}
	g.busy[id] = true
	return nil
}

func (g *guardSet) exit(id string) {
	g.mu.Lock()
	delete(g.busy, id)
	g.mu.Unlock()
}
