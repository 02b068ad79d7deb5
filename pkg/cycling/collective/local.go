package collective

import (
	"context"
	"fmt"
	"sync"
)

// LocalGroup runs N participants inside one process. A hub goroutine
// receives one message per member per round and answers all of them at
// once, which makes it a faithful stand-in for a real collective backend in
// tests and simulations.
//
// A round completes only when every rank has a live request in it. A
// member whose context ends before the round completes withdraws its
// request, so an abandoned call never counts toward a later one.
type LocalGroup struct {
	size      int
	reqs      chan localRequest
	withdraw  chan localWithdraw
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	members   []*LocalMember
}

type localRequest struct {
	rank  int
	kind  opKind
	vote  bool
	reply chan localReply
}

type localWithdraw struct {
	rank  int
	reply chan localReply
	ack   chan struct{}
}

type localReply struct {
	tally Tally
	err   error
}

// NewLocalGroup starts a hub for n members. Close must be called to stop it.
func NewLocalGroup(n int) *LocalGroup {
	if n < 1 {
		n = 1
	}
	g := &LocalGroup{
		size: n,
		reqs:     make(chan localRequest),
		withdraw: make(chan localWithdraw),
		done:     make(chan struct{}),
	}
	g.members = make([]*LocalMember, n)
	for i := range g.members {
		g.members[i] = &LocalMember{group: g, rank: i}
	}
	g.wg.Add(1)
	go g.run()
	return g
}

// Member returns the participant handle for rank.
func (g *LocalGroup) Member(rank int) *LocalMember {
	return g.members[rank]
}

// Members returns every participant handle, indexed by rank.
func (g *LocalGroup) Members() []Group {
	out := make([]Group, len(g.members))
	for i, m := range g.members {
		out[i] = m
	}
	return out
}

// Size returns the number of members.
func (g *LocalGroup) Size() int {
	return g.size
}

// Close stops the hub. Pending calls fail with ErrGroupClosed.
func (g *LocalGroup) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
	})
	g.wg.Wait()
	return nil
}

func (g *LocalGroup) run() {
	defer g.wg.Done()
	pending := make(map[int]localRequest, g.size)
	for {
		select {
		case <-g.done:
			for _, p := range pending {
				p.reply <- localReply{err: ErrGroupClosed}
			}
			return
		case w := <-g.withdraw:
			if p, ok := pending[w.rank]; ok && p.reply == w.reply {
				delete(pending, w.rank)
			}
			close(w.ack)
		case r := <-g.reqs:
			if _, dup := pending[r.rank]; dup {
				r.reply <- localReply{err: fmt.Errorf("%w: rank %d already waiting in this round",
					ErrCollectiveMismatch, r.rank)}
				continue
			}
			pending[r.rank] = r
			if len(pending) < g.size {
				continue
			}
			round := make([]localRequest, 0, g.size)
			for rank := range g.size {
				round = append(round, pending[rank])
			}
			g.resolve(round)
			clear(pending)
		}
	}
}

// resolve answers one complete round.
func (g *LocalGroup) resolve(round []localRequest) {
	payloads := make([]string, len(round))
	for i, r := range round {
		payloads[i] = encodeOp(r.kind, r.vote)
	}
	tally, err := tallyOps(payloads)
	for _, r := range round {
		r.reply <- localReply{tally: tally, err: err}
	}
}

// LocalMember is one participant of a LocalGroup.
type LocalMember struct {
	group *LocalGroup
	rank  int
	round int
}

// Compile-time interface check.
var _ Group = (*LocalMember)(nil)

// Rank implements Group.
func (m *LocalMember) Rank() int { return m.rank }

// Size implements Group.
func (m *LocalMember) Size() int { return m.group.size }

// Rendezvous implements Group.
func (m *LocalMember) Rendezvous(ctx context.Context) error {
	_, err := m.do(ctx, opRendezvous, false)
	return err
}

// ReduceVote implements Group.
func (m *LocalMember) ReduceVote(ctx context.Context, vote bool) (Tally, error) {
	return m.do(ctx, opVote, vote)
}

// Close is a no-op; the owning LocalGroup stops the hub.
func (m *LocalMember) Close() error { return nil }

func (m *LocalMember) do(ctx context.Context, kind opKind, vote bool) (Tally, error) {
	round := m.round
	m.round++
	wrap := func(err error) error {
		return &RoundError{Backend: "local", Round: round, Rank: m.rank, Err: err}
	}

	reply := make(chan localReply, 1)
	req := localRequest{rank: m.rank, kind: kind, vote: vote, reply: reply}
	select {
	case m.group.reqs <- req:
	case <-ctx.Done():
		return Tally{}, wrap(ctx.Err())
	case <-m.group.done:
		return Tally{}, wrap(ErrGroupClosed)
	}

	select {
	case r := <-reply:
		if r.err != nil {
			return Tally{}, wrap(r.err)
		}
		return r.tally, nil
	case <-ctx.Done():
		m.withdraw(reply)
		// The round may have completed while withdrawing.
		select {
		case r := <-reply:
			if r.err == nil {
				return r.tally, nil
			}
		default:
		}
		return Tally{}, wrap(ctx.Err())
	case <-m.group.done:
		return Tally{}, wrap(ErrGroupClosed)
	}
}

// withdraw removes this member's pending request from the hub and waits
// until the hub has processed the removal.
func (m *LocalMember) withdraw(reply chan localReply) {
	w := localWithdraw{rank: m.rank, reply: reply, ack: make(chan struct{})}
	select {
	case m.group.withdraw <- w:
	case <-m.group.done:
		return
	}
	select {
	case <-w.ack:
	case <-m.group.done:
	}
}
