// Package cluster models the static replica table every node and client is
// configured with: replica identities, their four endpoints, and the rules
// derived from lexicographic name order (peer dial direction and leadership).
package cluster

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
)

var (
	// ErrEmptySet is returned when a Set is built from no replicas.
	ErrEmptySet = errors.New("cluster: replica set is empty")
	// ErrUnknownReplica is returned when a name is not in the table.
	ErrUnknownReplica = errors.New("cluster: unknown replica")
)

// Replica is one statically-configured cluster member. DialsOut and
// AcceptsIn are derived from name order when the Set is built: for any two
// names a < b, a listens and b dials, so every pair shares exactly one
// internal channel.
type Replica struct {
	Name         string
	Host         string
	InternalPort int
	ClientPort   int
	HealthPort   int
	NotifPort    int

	// DialsOut lists the lexicographically smaller peers this replica
	// connects to. AcceptsIn counts the larger peers that will dial in.
	DialsOut  []string
	AcceptsIn int
}

// InternalAddr returns host:port of the peer replication endpoint.
func (r Replica) InternalAddr() string { return joinAddr(r.Host, r.InternalPort) }

// ClientAddr returns host:port of the request/response endpoint.
func (r Replica) ClientAddr() string { return joinAddr(r.Host, r.ClientPort) }

// HealthAddr returns host:port of the liveness probe endpoint.
func (r Replica) HealthAddr() string { return joinAddr(r.Host, r.HealthPort) }

// NotifAddr returns host:port of the notification push endpoint.
func (r Replica) NotifAddr() string { return joinAddr(r.Host, r.NotifPort) }

func joinAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Set is the immutable, name-ordered replica table.
type Set struct {
	replicas []Replica
	byName   map[string]int
}

// NewSet validates the table, orders it by name, and derives the dial
// topology. Names must be unique and non-empty.
func NewSet(replicas []Replica) (*Set, error) {
	if len(replicas) == 0 {
		return nil, ErrEmptySet
	}
	ordered := make([]Replica, len(replicas))
	copy(ordered, replicas)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	byName := make(map[string]int, len(ordered))
	for i := range ordered {
		name := ordered[i].Name
		if name == "" {
			return nil, errors.New("cluster: replica with empty name")
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("cluster: duplicate replica name %q", name)
		}
		byName[name] = i

		dials := make([]string, i)
		for j := 0; j < i; j++ {
			dials[j] = ordered[j].Name
		}
		ordered[i].DialsOut = dials
		ordered[i].AcceptsIn = len(ordered) - i - 1
	}
	return &Set{replicas: ordered, byName: byName}, nil
}

// Size returns the number of replicas.
func (s *Set) Size() int { return len(s.replicas) }

// Replicas returns the table in name order.
func (s *Set) Replicas() []Replica {
	out := make([]Replica, len(s.replicas))
	copy(out, s.replicas)
	return out
}

// Names returns all replica names in order.
func (s *Set) Names() []string {
	out := make([]string, len(s.replicas))
	for i, r := range s.replicas {
		out[i] = r.Name
	}
	return out
}

// Get looks a replica up by name.
func (s *Set) Get(name string) (Replica, error) {
	i, ok := s.byName[name]
	if !ok {
		return Replica{}, fmt.Errorf("%w: %q", ErrUnknownReplica, name)
	}
	return s.replicas[i], nil
}

// Siblings returns every replica except self, in order.
func (s *Set) Siblings(self string) []Replica {
	out := make([]Replica, 0, len(s.replicas)-1)
	for _, r := range s.replicas {
		if r.Name != self {
			out = append(out, r)
		}
	}
	return out
}

// Leader returns the name that leads the given living set: the
// lexicographically first of self and the living siblings. Self is always
// counted as living.
func Leader(self string, living []string) string {
	leader := self
	for _, name := range living {
		if name < leader {
			leader = name
		}
	}
	return leader
}
