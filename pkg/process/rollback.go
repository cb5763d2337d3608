package process

// rollback collects the release actions for resources acquired one after
// another. Deferring run releases them in reverse order on any early return;
// commit hands ownership to the caller instead.
type rollback struct {
	undo      []func()
	committed bool
}

func (r *rollback) push(release func()) {
	r.undo = append(r.undo, release)
}

func (r *rollback) commit() {
	r.committed = true
}

func (r *rollback) run() {
	if r.committed {
		return
	}
	for i := len(r.undo) - 1; i >= 0; i-- {
		r.undo[i]()
	}
	r.undo = nil
}
