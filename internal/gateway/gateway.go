// Package gateway wires device listeners, protocol adapters, the session
// registry, the message bus and the management API into one node.
package gateway

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"openfms/netcore/internal/adapter"
	"openfms/netcore/internal/bus"
	"openfms/netcore/internal/codec"
	"openfms/netcore/internal/config"
	"openfms/netcore/internal/correlator"
	"openfms/netcore/internal/httpapi"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/pipeline"
	"openfms/netcore/internal/protocol"
	"openfms/netcore/internal/registry"
	"openfms/netcore/internal/server"
	"openfms/netcore/internal/session"
	"openfms/netcore/internal/worker"
)

// Listener protocols besides the adapters' own names.
const (
	Detect = ""    // detect JT808, GT06 or Wialon per connection
	RPC    = "RPC" // standard codec carrying JSON command calls
)

// Listener describes one socket the gateway serves.
type Listener struct {
	Protocol  string
	Transport string // "tcp" or "udp"
	Addr      string
}

func (l Listener) String() string {
	name := l.Protocol
	if name == Detect {
		name = "DETECT"
	}
	return fmt.Sprintf("%s/%s %s", name, l.Transport, l.Addr)
}

// Listeners derives the listener set from configuration; ports of 0 are
// skipped.
func Listeners(cfg *config.Config) []Listener {
	var ls []Listener
	add := func(port int, proto string, transports ...string) {
		if port <= 0 {
			return
		}
		for _, tr := range transports {
			ls = append(ls, Listener{Protocol: proto, Transport: tr, Addr: ":" + strconv.Itoa(port)})
		}
	}
	add(cfg.GatewayPort, Detect, "tcp")
	add(cfg.GT06Port, "GT06", "tcp")
	add(cfg.WialonPort, "WIALON", "tcp", "udp")
	add(cfg.RPCPort, RPC, "tcp", "udp")
	return ls
}

type listener interface {
	Start(ctx context.Context) error
	Stop()
	Addr() net.Addr
	Sessions() []*session.Session
	Session(id string) (*session.Session, bool)
}

type running struct {
	def  Listener
	srv  listener
	acks *correlator.Correlator // device listeners only
}

// Option configures optional gateway integrations.
type Option func(*Gateway)

// WithRegistry records device sessions in r.
func WithRegistry(r *registry.Registry) Option {
	return func(g *Gateway) { g.registry = r }
}

// WithBus publishes uplinks and serves commands through b.
func WithBus(b *bus.Bridge) Option {
	return func(g *Gateway) { g.bridge = b }
}

// WithAPI serves the management API on addr.
func WithAPI(addr string) Option {
	return func(g *Gateway) { g.apiAddr = addr }
}

// WithRateLimit throttles API command delivery through l.
func WithRateLimit(l *httpapi.RateLimiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// Gateway is one gateway node.
type Gateway struct {
	cfg       *config.Config
	defs      []Listener
	registry  *registry.Registry
	bridge    *bus.Bridge
	apiAddr   string
	limiter   *httpapi.RateLimiter
	api       *httpapi.Server
	hub       *httpapi.Hub
	pool      *worker.Pool
	listeners []running
	devices   sync.Map // device ID -> *session.Session

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a gateway serving defs.
func New(cfg *config.Config, defs []Listener, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:  cfg,
		defs: defs,
		hub:  httpapi.NewHub(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

// Start opens every listener, then the bus and the API.
func (g *Gateway) Start(ctx context.Context) error {
	g.pool = worker.NewPool(g.cfg.Workers)
	go g.hub.Run()
	g.started = true

	for _, def := range g.defs {
		r, err := g.listen(def)
		if err != nil {
			g.Stop()
			return err
		}
		if err := r.srv.Start(ctx); err != nil {
			if r.acks != nil {
				r.acks.Close()
			}
			g.Stop()
			return fmt.Errorf("listen %s: %w", def, err)
		}
		g.listeners = append(g.listeners, r)
		logger.Scope("gateway").Infof("Listening %s on %s", def, r.srv.Addr())
	}

	if g.bridge != nil {
		if err := g.bridge.Start(g); err != nil {
			g.Stop()
			return err
		}
	}
	if g.apiAddr != "" {
		g.api = httpapi.New(httpapi.Config{
			Addr:      g.apiAddr,
			JWTSecret: g.cfg.JWTSecret,
			Timeout:   g.cfg.RequestTimeout,
			Limiter:   g.limiter,
		}, g, g.hub)
		if err := g.api.Start(); err != nil {
			g.Stop()
			return err
		}
	}
	return nil
}

func (g *Gateway) listen(def Listener) (running, error) {
	r := running{def: def}
	stream := def.Transport == "tcp"
	if !stream && def.Transport != "udp" {
		return r, fmt.Errorf("listener %s: unknown transport", def)
	}
	cfg := g.cfg.Server(0, stream)
	cfg.Addr = def.Addr
	cfg.Session.Scheduler = worker.NewScheduler(g.pool, worker.DefaultMaxDepth)

	var obs session.Observer
	switch def.Protocol {
	case RPC:
		cfg.Session.Format = codec.StandardFormat
		cfg.Session.Pipeline = pipeline.New(&codec.Standard{})
		obs = &rpcObserver{g: g}
	case Detect:
		d := adapter.NewDetector()
		cfg.Session.Format = d
		r.acks = g.devicePipeline(&cfg, adapter.NewDetectingHandler(d))
		obs = &deviceObserver{g: g}
	default:
		a, err := adapterFor(def.Protocol)
		if err != nil {
			return r, err
		}
		cfg.Session.Format = a.Format()
		r.acks = g.devicePipeline(&cfg, adapter.NewHandler(a))
		obs = &deviceObserver{g: g}
	}

	if stream {
		r.srv = server.NewTCPServer(cfg, obs)
	} else {
		r.srv = server.NewUDPServer(cfg, obs)
	}
	return r, nil
}

// devicePipeline sets up adapter sessions and returns the correlator that
// pairs their commands with acknowledgements.
func (g *Gateway) devicePipeline(cfg *server.Config, h *adapter.Handler) *correlator.Correlator {
	acks := correlator.New(correlator.WithMatcher(adapter.MatchAck))
	cfg.Session.Pipeline = pipeline.New(&frameTap{hub: g.hub}, h)
	cfg.Session.Correlator = acks
	cfg.Session.CancelPendingOnClose = true
	return acks
}

func adapterFor(name string) (protocol.Adapter, error) {
	switch name {
	case "JT808":
		return adapter.NewJT808Adapter(), nil
	case "GT06":
		return adapter.NewGT06Adapter(), nil
	case "WIALON":
		return adapter.NewWialonAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}

// Stop closes listeners and their sessions, then the integrations.
func (g *Gateway) Stop() {
	if !g.started {
		return
	}
	g.started = false
	if g.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.api.Stop(ctx)
		cancel()
	}
	if g.bridge != nil {
		g.bridge.Stop()
	}
	for _, l := range g.listeners {
		l.srv.Stop()
	}
	g.wg.Wait()
	g.cancel()
	for _, l := range g.listeners {
		if l.acks != nil {
			l.acks.Close()
		}
	}
	g.listeners = nil
	if g.pool != nil {
		g.pool.Close()
	}
	g.hub.Stop()
}

// Addr returns the bound address of the first listener matching protocol
// and transport.
func (g *Gateway) Addr(proto, transport string) net.Addr {
	for _, l := range g.listeners {
		if l.def.Protocol == proto && l.def.Transport == transport {
			return l.srv.Addr()
		}
	}
	return nil
}

// GatewayID identifies this node.
func (g *Gateway) GatewayID() string { return g.cfg.GatewayID }

// Sessions lists the sessions of every listener.
func (g *Gateway) Sessions() []httpapi.SessionInfo {
	var out []httpapi.SessionInfo
	for _, l := range g.listeners {
		for _, s := range l.srv.Sessions() {
			out = append(out, describe(l.def, s))
		}
	}
	return out
}

// Session finds a session by session ID or connected device ID.
func (g *Gateway) Session(id string) (httpapi.SessionInfo, bool) {
	for _, l := range g.listeners {
		if s, ok := l.srv.Session(id); ok {
			return describe(l.def, s), true
		}
	}
	if s, ok := g.device(id); ok {
		for _, l := range g.listeners {
			if found, ok := l.srv.Session(s.ID()); ok {
				return describe(l.def, found), true
			}
		}
	}
	return httpapi.SessionInfo{}, false
}

func describe(def Listener, s *session.Session) httpapi.SessionInfo {
	info := httpapi.SessionInfo{
		ID:         s.ID(),
		Protocol:   def.Protocol,
		Transport:  def.Transport,
		State:      s.State().String(),
		LastActive: s.LastActive(),
	}
	if a, ok := adapter.AdapterOf(s); ok {
		info.Protocol = a.Protocol()
	}
	info.DeviceID, _ = adapter.DeviceOf(s)
	info.ClientIP = hostOf(s.RemoteAddr())
	return info
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (g *Gateway) device(id string) (*session.Session, bool) {
	v, ok := g.devices.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

// SendCommand delivers cmd to its device. With wait set and a protocol
// whose devices acknowledge commands, it returns the acknowledgement;
// otherwise it returns once the command is written.
func (g *Gateway) SendCommand(ctx context.Context, cmd protocol.StandardCommand, wait bool) (*protocol.StandardMessage, error) {
	s, ok := g.device(cmd.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotConnected, cmd.DeviceID)
	}
	a, ok := adapter.AdapterOf(s)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUndetermined, cmd.DeviceID)
	}
	log := logger.Scope("gateway").WithField("device", cmd.DeviceID)

	if _, acks := a.(protocol.Acknowledger); !wait || !acks {
		if err := s.SendMessage(cmd); err != nil {
			return nil, err
		}
		log.Infof("Command sent: %s", cmd.Type)
		return nil, nil
	}

	resp, err := s.SendMessageAsync(ctx, cmd)
	if err != nil {
		return nil, err
	}
	log.Infof("Command acknowledged: %s", cmd.Type)
	msg, _ := resp.(*protocol.StandardMessage)
	return msg, nil
}

// bind makes s the session of deviceID and reports whether it is new.
func (g *Gateway) bind(deviceID string, s *session.Session) bool {
	prev, loaded := g.devices.Swap(deviceID, s)
	return !loaded || prev.(*session.Session) != s
}

// unbind forgets deviceID if s still owns it.
func (g *Gateway) unbind(deviceID string, s *session.Session) bool {
	return g.devices.CompareAndDelete(deviceID, s)
}

// storeCtx bounds registry calls made from the receive path.
func (g *Gateway) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(g.ctx, 2*time.Second)
}
