package namespace

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/metrics"
	"github.com/smileytechness/peerns/registry"
	"github.com/smileytechness/peerns/signaling"
)

// MaxLevel is the highest router level an election will escalate to
// before giving up (spec.md §4.4.1's MAX_LEVEL).
const MaxLevel = 5

// MaxJoinAttempts is the number of join attempts at one level before
// falling back to a peer-slot attempt (spec.md §4.4.3's MAX_JOIN_ATTEMPTS).
const MaxJoinAttempts = 3

// Timing constants, per spec.md §4.4 and §5.
const (
	PingInterval        = 60 * time.Second
	RegistryTTL          = 90 * time.Second
	RegistryTTLGrace     = 10 * time.Second
	JoinTimeout          = 8 * time.Second
	JoinRetryDelay       = 1500 * time.Millisecond
	PeerSlotProbeInterval = 5 * time.Second
	PeerSlotTimeout      = 30 * time.Second
	MonitorInterval      = 30 * time.Second
	MigrateJitterMax     = 2 * time.Second
	FailoverJitterMax    = 3 * time.Second

	// pauseGrace is the Open Question decision recorded in DESIGN.md: how
	// long a paused namespace keeps its discovery-ID claim alive before
	// treating the pause as a real teardown.
	pauseGrace = 5 * time.Second
)

// Role is the namespace's current role in the state diagram of spec.md
// §4.4.8.
type Role int

const (
	RoleNone Role = iota
	RoleJoining
	RolePeer
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RoleJoining:
		return "joining"
	case RolePeer:
		return "peer"
	case RoleRouter:
		return "router"
	default:
		return "none"
	}
}

// JoinStatus tracks where in the join/peer-slot dance a Joining engine is.
type JoinStatus int

const (
	JoinIdle JoinStatus = iota
	JoinJoining
	JoinPeerSlot
)

// UpdateKind tags an Update emitted on Engine.Updates().
type UpdateKind int

const (
	UpdateRoleChanged UpdateKind = iota
	UpdateRegistryChanged
	UpdateDiscoveryOffline
	UpdatePeerMigrated
	UpdateError
)

// Update is one status event the engine reports to its owner. Peers is
// populated (a snapshot taken before emit, safe for the receiver to read
// freely) on UpdateRegistryChanged, so collaborators like the rendezvous
// scheduler can see who's in the namespace without touching Engine state
// directly.
type Update struct {
	Kind  UpdateKind
	Role  Role
	Level int
	Peers []*registry.Entry
	Err   error
}

// peerLink is the mutable per-connection state for one joined router
// channel or one accepted peer channel — the same small-struct-per-link
// shape as the teacher's circuit.Hop (one struct carrying exactly the
// mutable state for a single hop's encryption, here generalized to a
// single namespace connection's bookkeeping).
type peerLink struct {
	channel signaling.Channel
}

// Engine is one namespace's state machine instance. Exactly one Engine
// drives one namespace, and — per spec.md §5's single-threaded
// cooperative event loop model — all of its state is owned exclusively by
// the goroutine running Run; nothing here is safe to touch concurrently
// from outside that goroutine.
type Engine struct {
	cfg          Config
	adapter      signaling.Adapter
	contacts     *contactstore.Store
	logger       *slog.Logger

	selfDiscoveryUUID string
	friendlyName      func() string // resolved at check-in time, since it can change (name-update)
	publicKeyB64      func() string

	updates chan Update
	cmds    chan command

	role  Role
	level int

	registry *registry.Registry
	links    map[string]*peerLink // router side: discoveryID -> link

	routerSession    signaling.Session // held when role == RoleRouter
	routerChannel    signaling.Channel // held when role == RolePeer
	discoverySession signaling.Session
	peerSlotSession  signaling.Session

	joinStatus  JoinStatus
	joinAttempt int
	nextLevel   int // set by a migrate instruction, consumed by Run on levelMigrate

	paused bool

	rng *rand.Rand

	discoveryFrameHandler func(ch signaling.Channel, frame []byte)
}

// Deps bundles an Engine's external collaborators.
type Deps struct {
	Config        Config
	Adapter       signaling.Adapter
	Contacts      *contactstore.Store
	Logger        *slog.Logger
	DiscoveryUUID string
	FriendlyName  func() string
	PublicKeyB64  func() string

	// DiscoveryFrameHandler, if set, is invoked with each data frame
	// received on the engine's own discoveryID(uuid) endpoint — the
	// direct-reachability channel spec.md §4.4.2/§4.4.3 has every engine
	// claim regardless of role. The namespace package itself has no
	// opinion on what those frames mean; a collaborator that needs this
	// channel (the rendezvous exchange, a future contact-request flow)
	// supplies its own decoder here. ch is left open after the call
	// returns so the handler can reply on it.
	DiscoveryFrameHandler func(ch signaling.Channel, frame []byte)
}

// New creates an Engine in role=none, ready for Run.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Engine{
		cfg:                   d.Config,
		adapter:               d.Adapter,
		contacts:              d.Contacts,
		logger:                d.Logger,
		selfDiscoveryUUID:     d.DiscoveryUUID,
		friendlyName:          d.FriendlyName,
		publicKeyB64:          d.PublicKeyB64,
		updates:               make(chan Update, 32),
		cmds:                  make(chan command, 8),
		registry:              registry.New(),
		links:                 make(map[string]*peerLink),
		rng:                   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		discoveryFrameHandler: d.DiscoveryFrameHandler,
	}
}

// Updates returns the engine's status-update stream.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Role returns the engine's current role (read from outside Run only
// after Shutdown, or via an Update — it is not safe to poll concurrently
// while Run is active).
func (e *Engine) Role() Role   { return e.role }
func (e *Engine) Level() int   { return e.level }

type commandKind int

const (
	cmdShutdown commandKind = iota
	cmdPause
	cmdResume
)

type command struct {
	kind commandKind
	done chan struct{}
}

// Shutdown tears the namespace down: cancels all timers, closes all
// channels, and releases the discovery-ID claim (spec.md §5), then
// returns once Run has finished unwinding.
func (e *Engine) Shutdown() {
	done := make(chan struct{})
	select {
	case e.cmds <- command{kind: cmdShutdown, done: done}:
		<-done
	default:
	}
}

// Pause retains the discovery-ID claim (so the rendezvous string isn't
// lost to a competitor) while tearing down everything else — spec.md
// §5's "pause" exception to full cancellation, and spec.md §9's first
// Open Question, decided in DESIGN.md as a pauseGrace window.
func (e *Engine) Pause() {
	select {
	case e.cmds <- command{kind: cmdPause}:
	default:
	}
}

// Resume reverses Pause, letting the engine restart its election.
func (e *Engine) Resume() {
	select {
	case e.cmds <- command{kind: cmdResume}:
	default:
	}
}

func (e *Engine) emit(u Update) {
	if u.Kind == UpdateRegistryChanged {
		metrics.RegistrySize.WithLabelValues(e.cfg.slugComponent()).Set(float64(len(u.Peers)))
	}
	select {
	case e.updates <- u:
	default:
		e.logger.Warn("update stream full, dropping update", "kind", u.Kind)
	}
}

func (e *Engine) setRole(role Role, level int) {
	if e.role != role {
		metrics.NamespaceRoles.WithLabelValues(e.role.String()).Dec()
		metrics.NamespaceRoles.WithLabelValues(role.String()).Inc()
	}
	e.role = role
	e.level = level
	e.emit(Update{Kind: UpdateRoleChanged, Role: role, Level: level})
}

// jitter returns a uniform random duration in [0, max).
func (e *Engine) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int64N(int64(max)))
}

// levelResult is the outcome of one runLevel attempt, driving Run's
// top-level election/cascade loop (spec.md §4.4.6).
type levelResult int

const (
	levelShutdown levelResult = iota
	levelRestart               // router died: restart at level 1
	levelExhausted             // join and peer-slot both failed: escalate to level+1
	levelMigrate               // a migrate instruction set e.nextLevel: jump there directly
	levelPaused                // user paused: wait for resume before restarting at level 1
)

// Run drives the namespace's state machine until ctx is canceled or
// Shutdown is called. It starts by electing at level 1 and, on router
// death, restarts the whole election from level 1; on exhausting both
// the join and peer-slot paths at one level, it escalates to the next
// level, up to MaxLevel, per spec.md §4.4.6's cascade.
func (e *Engine) Run(ctx context.Context) {
	defer e.releaseAll()

	level := 1
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res := e.runLevel(ctx, level)
		switch res {
		case levelShutdown:
			return
		case levelRestart:
			level = 1
			d := e.jitter(FailoverJitterMax)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return
			}
		case levelExhausted:
			level++
			if level > MaxLevel {
				e.setRole(RoleNone, 0)
				e.emit(Update{Kind: UpdateDiscoveryOffline})
				return
			}
		case levelMigrate:
			level = e.nextLevel
			e.nextLevel = 0
		case levelPaused:
			if !e.waitForResume(ctx) {
				return
			}
			level = 1
		}
	}
}

// waitForResume blocks while paused, releasing the discovery-ID claim
// after pauseGrace elapses (a long pause shouldn't squat the slug
// forever — the Open Question decision recorded in DESIGN.md), and
// returns false if the engine should stop entirely.
func (e *Engine) waitForResume(ctx context.Context) bool {
	grace := time.NewTimer(pauseGrace)
	defer grace.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-grace.C:
			if e.discoverySession != nil {
				e.discoverySession.Release()
				e.discoverySession = nil
			}
		case c := <-e.cmds:
			switch c.kind {
			case cmdShutdown:
				if c.done != nil {
					close(c.done)
				}
				return false
			case cmdResume:
				e.paused = false
				return true
			}
		}
	}
}

// releaseAll releases every claim and closes every channel the engine is
// holding, regardless of role. Safe to call multiple times.
func (e *Engine) releaseAll() {
	if e.routerSession != nil {
		e.routerSession.Release()
		e.routerSession = nil
	}
	if e.discoverySession != nil {
		e.discoverySession.Release()
		e.discoverySession = nil
	}
	if e.peerSlotSession != nil {
		e.peerSlotSession.Release()
		e.peerSlotSession = nil
	}
	if e.routerChannel != nil {
		e.routerChannel.Close()
		e.routerChannel = nil
	}
	for id, l := range e.links {
		l.channel.Close()
		delete(e.links, id)
	}
	e.setRole(RoleNone, 0)
}

// claimDiscoveryID claims this device's own reachability endpoint within
// the namespace, per spec.md §4.4.2/§4.4.3's "claim own discovery ID"
// step: every engine with a role, router or peer, is independently
// reachable at discoveryID(uuid) so another device can connect directly
// (for a contact request, for example) without going through the router.
// Failure is logged and otherwise ignored: discovery-ID collisions are
// handled at a higher level (persistent-ID regeneration), not here.
func (e *Engine) claimDiscoveryID(ctx context.Context) {
	if e.discoverySession != nil {
		return
	}
	sess, err := e.adapter.Claim(ctx, e.cfg.DiscoveryID(e.selfDiscoveryUUID))
	if err != nil {
		e.logger.Warn("discovery-id claim failed", "err", err)
		return
	}
	e.discoverySession = sess
	go e.serveDiscoveryInbound(ctx, sess)
}

// serveDiscoveryInbound drains inbound channels on the discovery-ID
// session, handing each data frame to discoveryFrameHandler if one is
// set. Contact-request handling itself belongs to a higher-level
// collaborator (outside the namespace package's scope); here the engine
// only guarantees the claim stays held and doesn't leak accepted
// channels.
func (e *Engine) serveDiscoveryInbound(ctx context.Context, sess signaling.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-sess.Accept():
			if !ok {
				return
			}
			go e.serveDiscoveryChannel(ctx, ch)
		}
	}
}

// serveDiscoveryChannel drains one accepted discovery-ID channel,
// dispatching each data frame to discoveryFrameHandler.
func (e *Engine) serveDiscoveryChannel(ctx context.Context, ch signaling.Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case signaling.ChannelData:
				if e.discoveryFrameHandler != nil {
					e.discoveryFrameHandler(ch, ev.Data)
				}
			case signaling.ChannelClose, signaling.ChannelError:
				return
			}
		}
	}
}
