package p2p

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/MiragePrivacy/Nomad/signal"
)

// DedupCapacity is the minimum number of recently-seen signal ids the
// gossip service retains before evicting the oldest entry.
const DedupCapacity = 10_000

// Sink receives a signal once the gossip service has deduplicated it. The
// node wires this to the signal pool's Insert.
type Sink interface {
	Insert(sig *signal.Signal) error
}

// dedupSet is a fixed-capacity, insertion-ordered set of signal ids: a
// membership check backed by mapset.Set, with a FIFO ring for eviction once
// DedupCapacity is exceeded.
type dedupSet struct {
	mu       sync.Mutex
	seen     mapset.Set[common.Hash]
	order    []common.Hash
	capacity int
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{seen: mapset.NewThreadUnsafeSet[common.Hash](), capacity: capacity}
}

// addIfNew reports whether id was newly added (true) or was already present
// (false), evicting the oldest entry if the set is now over capacity.
func (d *dedupSet) addIfNew(id common.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.seen.Contains(id) {
		return false
	}
	d.seen.Add(id)
	d.order = append(d.order, id)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		d.seen.Remove(oldest)
	}
	return true
}

// counterMetric is the subset of prometheus.Counter the gossip service
// needs; satisfied directly by a *prometheus.CounterVec label or a plain
// prometheus.Counter, without importing the prometheus package here.
type counterMetric interface {
	Inc()
	Add(float64)
}

// Service runs the flood-gossip overlay: on a new envelope it hands the
// decoded signal to Sink and forwards the envelope (with hop count
// decremented) to every connected peer except the one it arrived from.
// Duplicates are dropped without forwarding.
type Service struct {
	peers   *ManagedPeerSet
	dedup   *dedupSet
	sink    Sink
	maxHops uint8

	forwardsMetric counterMetric // optional, wired via SetMetrics
	dropsMetric    counterMetric

	mu       sync.Mutex
	forwards map[common.Hash]int // test/metrics hook: forwards issued per signal id
}

// NewService creates a gossip Service bound to a peer set and a delivery
// sink. maxHops caps propagation depth; signal.DefaultMaxHopCount is used
// when maxHops is zero.
func NewService(peers *ManagedPeerSet, sink Sink, maxHops uint8) *Service {
	if maxHops == 0 {
		maxHops = signal.DefaultMaxHopCount
	}
	return &Service{
		peers:    peers,
		dedup:    newDedupSet(DedupCapacity),
		sink:     sink,
		maxHops:  maxHops,
		forwards: make(map[common.Hash]int),
	}
}

// SetMetrics wires Prometheus counters for forwarded and dropped envelopes.
// A Service with no metrics wired (the zero value) simply skips the
// increments.
func (s *Service) SetMetrics(forwards, drops counterMetric) {
	s.forwardsMetric = forwards
	s.dropsMetric = drops
}

func (s *Service) incDrop() {
	if s.dropsMetric != nil {
		s.dropsMetric.Inc()
	}
}

// Publish originates a new envelope locally (e.g. from RPC ingress) and
// floods it to every connected peer.
func (s *Service) Publish(sig *signal.Signal) error {
	id, err := sig.ID()
	if err != nil {
		return err
	}
	if !s.dedup.addIfNew(id) {
		s.incDrop()
		return nil
	}
	env, err := signal.NewGossipEnvelope(sig, "self")
	if err != nil {
		return err
	}
	return s.broadcast(env, id, "")
}

// HandleEnvelope processes a gossip message received from fromPeer. If the
// carried signal id is new, it is inserted via Sink and forwarded to every
// peer but fromPeer; duplicates are silently dropped.
func (s *Service) HandleEnvelope(fromPeer string, env *signal.GossipEnvelope) error {
	sig, err := env.Signal()
	if err != nil {
		return err
	}
	id, err := sig.ID()
	if err != nil {
		return err
	}
	if !s.dedup.addIfNew(id) {
		s.incDrop()
		return nil
	}

	if err := s.sink.Insert(sig); err != nil {
		return err
	}

	if !env.Forwardable(s.maxHops) {
		s.incDrop()
		return nil
	}
	return s.broadcast(env.NextHop(), id, fromPeer)
}

func (s *Service) broadcast(env *signal.GossipEnvelope, id common.Hash, excludePeer string) error {
	frame, err := signal.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	framed := frameMessage(frame)

	count := 0
	for _, p := range s.peers.Peers() {
		if p.ID() == excludePeer {
			continue
		}
		p.Enqueue(framed)
		count++
	}

	s.mu.Lock()
	s.forwards[id] = count
	s.mu.Unlock()
	if s.forwardsMetric != nil && count > 0 {
		s.forwardsMetric.Add(float64(count))
	}
	return nil
}

// ForwardCount reports how many peers a signal id was forwarded to on its
// first receipt by this service, for tests exercising the gossip fan-out
// invariant. Returns 0 for an id this service has not forwarded.
func (s *Service) ForwardCount(id common.Hash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwards[id]
}
