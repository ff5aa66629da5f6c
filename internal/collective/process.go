package collective

import (
	"sync"

	"github.com/hpcio/hio/pkg/errors"
)

// Group is the in-process Communicator implementation: every rank is a
// goroutine in one process, which also means every rank shares one node.
// Point-to-point messages travel over per-(source, destination, tag)
// buffered channels; reductions and barriers rendezvous through a shared
// accumulator.
//
// A Group stands in for the job launcher's communication substrate in tests
// and in single-node runs. The dataset engine only ever sees the
// Communicator interface.
type Group struct {
	size int

	mu    sync.Mutex
	chans map[chanKey]chan []byte

	barrier *rendezvous
	reduce  *reducer
}

type chanKey struct {
	src, dst, tag int
}

// NewGroup creates an in-process group of the given size. Call Rank to
// obtain the per-rank communicator handles.
func NewGroup(size int) *Group {
	if size < 1 {
		size = 1
	}
	return &Group{
		size:    size,
		chans:   make(map[chanKey]chan []byte),
		barrier: newRendezvous(size),
		reduce:  newReducer(size),
	}
}

// Rank returns the communicator for one rank of the group.
func (g *Group) Rank(rank int) Communicator {
	return &member{group: g, rank: rank}
}

func (g *Group) channel(key chanKey) chan []byte {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.chans[key]
	if !ok {
		ch = make(chan []byte, 16)
		g.chans[key] = ch
	}
	return ch
}

type member struct {
	group *Group
	rank  int
}

func (m *member) Rank() int { return m.rank }
func (m *member) Size() int { return m.group.size }

// The whole in-process group lives on one node, so the shared sub-group is
// the group itself and the master is rank 0.
func (m *member) SharedRank() int   { return m.rank }
func (m *member) SharedSize() int   { return m.group.size }
func (m *member) SharedMaster() int { return 0 }

func (m *member) Send(dst, tag int, data []byte) error {
	if dst < 0 || dst >= m.group.size {
		return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"send destination outside group").
			WithField("dst").WithProvided(dst)
	}

	// Copy so the sender can reuse its buffer immediately.
	msg := make([]byte, len(data))
	copy(msg, data)

	m.group.channel(chanKey{src: m.rank, dst: dst, tag: tag}) <- msg
	return nil
}

func (m *member) Recv(src, tag int) ([]byte, error) {
	if src < 0 || src >= m.group.size {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"receive source outside group").
			WithField("src").WithProvided(src)
	}

	return <-m.group.channel(chanKey{src: src, dst: m.rank, tag: tag}), nil
}

// Internal tag for broadcast traffic; distinct from the manifest protocol
// tags so protocol messages and broadcasts never cross-match.
const tagBcast = 1999

func (m *member) Bcast(root int, data []byte) ([]byte, error) {
	if root < 0 || root >= m.group.size {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"broadcast root outside group").
			WithField("root").WithProvided(root)
	}

	if m.rank == root {
		for rank := 0; rank < m.group.size; rank++ {
			if rank == root {
				continue
			}
			if err := m.Send(rank, tagBcast, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}

	return m.Recv(root, tagBcast)
}

func (m *member) AllreduceMin(value int) (int, error) {
	result := m.group.reduce.run(m.rank, []int{value}, func(a, b int) int {
		if b < a {
			return b
		}
		return a
	})
	return result[0], nil
}

func (m *member) AllreduceMaxInts(values []int) ([]int, error) {
	result := m.group.reduce.run(m.rank, values, func(a, b int) int {
		if b > a {
			return b
		}
		return a
	})
	return result, nil
}

func (m *member) Barrier() error {
	m.group.barrier.wait()
	return nil
}

// rendezvous is a reusable generation-counted barrier.
type rendezvous struct {
	mu      sync.Mutex
	cond    *sync.Cond
	size    int
	waiting int
	gen     uint64
}

func newRendezvous(size int) *rendezvous {
	r := &rendezvous{size: size}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *rendezvous) wait() {
	r.mu.Lock()
	gen := r.gen
	r.waiting++
	if r.waiting == r.size {
		r.waiting = 0
		r.gen++
		r.cond.Broadcast()
		r.mu.Unlock()
		return
	}
	for r.gen == gen {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// reducer implements element-wise all-reduce. Ranks must issue reductions
// in the same order with the same vector length, which the collective
// protocol guarantees.
type reducer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	size   int
	count  int
	gen    uint64
	acc    []int
	result []int
}

func newReducer(size int) *reducer {
	r := &reducer{size: size}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *reducer) run(rank int, values []int, op func(a, b int) int) []int {
	r.mu.Lock()

	if r.count == 0 {
		r.acc = make([]int, len(values))
		copy(r.acc, values)
	} else {
		for i := range values {
			r.acc[i] = op(r.acc[i], values[i])
		}
	}
	r.count++

	if r.count == r.size {
		r.result = r.acc
		r.acc = nil
		r.count = 0
		r.gen++
		r.cond.Broadcast()
		result := r.result
		r.mu.Unlock()
		return result
	}

	gen := r.gen
	for r.gen == gen {
		r.cond.Wait()
	}
	result := r.result
	r.mu.Unlock()
	return result
}
