// registry.go - Registered participants and the priority turn queue
package ceremony

import (
	"github.com/google/btree"
)

// Registration is a request to join the ceremony
type Registration struct {
	ID        string
	Scheme    Scheme
	PublicKey []byte
	Priority  Priority
}

// Participant is the persisted view of one registered participant
type Participant struct {
	ID            string
	Scheme        Scheme
	PublicKey     []byte
	Priority      Priority
	Nonce         uint64
	Contributions int
	Misses        int
	Removed       bool
	// Queued marks participants waiting for (or holding) a turn
	Queued bool
}

type member struct {
	Participant
	seq uint64
}

func (m *member) less(o *member) bool {
	if m.Priority != o.Priority {
		return m.Priority < o.Priority
	}
	return m.seq < o.seq
}

// registry indexes participants by id and orders waiting ones by
// (priority, arrival).
type registry struct {
	members map[string]*member
	order   []*member
	queue   *btree.BTreeG[*member]
	seq     uint64
}

func newRegistry() *registry {
	return &registry{
		members: make(map[string]*member),
		queue:   btree.NewG(8, (*member).less),
	}
}

// restore rebuilds the registry; queued participants keep snapshot order
func restoreRegistry(ps []Participant) *registry {
	r := newRegistry()
	for _, p := range ps {
		m := r.add(p)
		if p.Queued && !p.Removed {
			r.enqueue(m)
		}
	}
	return r
}

func (r *registry) add(p Participant) *member {
	p.Queued = false
	m := &member{Participant: p}
	r.members[p.ID] = m
	r.order = append(r.order, m)
	return m
}

func (r *registry) get(id string) (*member, bool) {
	m, ok := r.members[id]
	return m, ok
}

func (r *registry) len() int {
	return len(r.members)
}

func (r *registry) enqueue(m *member) {
	if m.Queued {
		r.queue.Delete(m)
	}
	m.seq = r.seq
	r.seq++
	m.Queued = true
	r.queue.ReplaceOrInsert(m)
}

// dequeue pops the highest-priority, longest-waiting participant
func (r *registry) dequeue() *member {
	m, ok := r.queue.DeleteMin()
	if !ok {
		return nil
	}
	m.Queued = false
	return m
}

func (r *registry) waiting() int {
	return r.queue.Len()
}

// queued lists waiting ids in turn order
func (r *registry) queued() []string {
	ids := make([]string, 0, r.queue.Len())
	r.queue.Ascend(func(m *member) bool {
		ids = append(ids, m.ID)
		return true
	})
	return ids
}

// snapshot returns participants for persistence. The holder, if any, comes
// first and is marked queued so that a restart hands it the turn again.
func (r *registry) snapshot(holder *member) []Participant {
	out := make([]Participant, 0, len(r.members))
	if holder != nil {
		p := holder.Participant
		p.Queued = true
		out = append(out, p)
	}
	r.queue.Ascend(func(m *member) bool {
		out = append(out, m.Participant)
		return true
	})
	for _, m := range r.order {
		if m != holder && !m.Queued {
			out = append(out, m.Participant)
		}
	}
	return out
}
