package broker

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-memory Broker used by tests and by the in-process
// fakes other packages build on. It is not the deliverable broker
// backend (spec.md §1 treats the broker as abstract); it exists only to
// make the contract in broker.go exercisable without a real dependency.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
}

type memStream struct {
	order  []ID
	data   map[ID]Record
	nextID int64
	maxLen int64
	groups map[string]*memGroup
}

type memGroup struct {
	cursor     int
	pendingIDs []ID
	pendingSet map[ID]int // id -> tries
}

// NewMemory constructs an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			data:   make(map[ID]Record),
			groups: make(map[string]*memGroup),
		}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) group(s *memStream, name string) *memGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memGroup{pendingSet: make(map[ID]int)}
		s.groups[name] = g
	}
	return g
}

func (m *Memory) XAdd(_ context.Context, stream string, maxLen int64, fields map[string][]byte) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	id := ID(fmt.Sprintf("%d-0", s.nextID))
	s.nextID++
	rec := Record{ID: id, Fields: fields}
	s.data[id] = rec
	s.order = append(s.order, id)
	s.maxLen = maxLen

	trimApproxCapped(s)
	return id, nil
}

// trimApproxCapped drops the oldest entries once the stream exceeds
// maxLen, but only entries no group still has pending — an
// approximation, matching spec.md §4.1's "approximate-capped sequence".
// Each group's read cursor moves back with the trimmed prefix so that
// no entry the group has not read yet is skipped.
func trimApproxCapped(s *memStream) {
	if s.maxLen <= 0 {
		return
	}
	for int64(len(s.order)) > s.maxLen {
		oldest := s.order[0]
		if referencedByAnyGroup(s, oldest) {
			break
		}
		s.order = s.order[1:]
		delete(s.data, oldest)
		for _, g := range s.groups {
			if g.cursor > 0 {
				g.cursor--
			}
		}
	}
}

func referencedByAnyGroup(s *memStream, id ID) bool {
	for _, g := range s.groups {
		if _, ok := g.pendingSet[id]; ok {
			return true
		}
	}
	return false
}

func (m *Memory) XRange(_ context.Context, stream string, start, end ID) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrUnknownStream
	}
	var out []Record
	inRange := start == ""
	for _, id := range s.order {
		if id == start {
			inRange = true
		}
		if inRange {
			out = append(out, s.data[id])
		}
		if end != "" && id == end {
			break
		}
	}
	return out, nil
}

func (m *Memory) XRead(_ context.Context, stream, consumerGroup string, mode ConsumptionMode, count int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	g := m.group(s, consumerGroup)

	var out []Record
	switch mode {
	case New:
		out = append(out, deliverNew(s, g, count)...)
	case Redeliver:
		out = append(out, deliverRedeliver(s, g, count)...)
	case All:
		out = append(out, deliverRedeliver(s, g, count)...)
		if remaining := count - len(out); remaining > 0 {
			out = append(out, deliverNew(s, g, remaining)...)
		}
	}
	return out, nil
}

func deliverNew(s *memStream, g *memGroup, count int) []Record {
	var out []Record
	for g.cursor < len(s.order) && len(out) < count {
		id := s.order[g.cursor]
		g.cursor++
		if _, already := g.pendingSet[id]; already {
			continue
		}
		g.pendingSet[id] = 0
		g.pendingIDs = append(g.pendingIDs, id)
		rec := s.data[id]
		rec.Tries = 0
		out = append(out, rec)
	}
	return out
}

func deliverRedeliver(s *memStream, g *memGroup, count int) []Record {
	var out []Record
	for _, id := range g.pendingIDs {
		if len(out) >= count {
			break
		}
		data, ok := s.data[id]
		if !ok {
			continue
		}
		g.pendingSet[id]++
		data.Tries = g.pendingSet[id]
		out = append(out, data)
	}
	return out
}

func (m *Memory) XAck(_ context.Context, stream, consumerGroup string, ids []ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return ErrUnknownStream
	}
	g := m.group(s, consumerGroup)
	ackSet := make(map[ID]bool, len(ids))
	for _, id := range ids {
		ackSet[id] = true
		delete(g.pendingSet, id)
	}
	kept := g.pendingIDs[:0]
	for _, id := range g.pendingIDs {
		if !ackSet[id] {
			kept = append(kept, id)
		}
	}
	g.pendingIDs = kept
	trimApproxCapped(s)
	return nil
}

func (m *Memory) XLen(_ context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.order)), nil
}

var _ Broker = (*Memory)(nil)
