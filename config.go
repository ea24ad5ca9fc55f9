package hq

import (
	"time"

	"github.com/valyala/fasthttp"
)

// Config carries the session knobs. The zero value is usable; defaults()
// fills in the rest.
type Config struct {
	// Logger receives session diagnostics. Defaults to a stdout logger.
	Logger fasthttp.Logger

	// Debug enables verbose per-stream logging.
	Debug bool

	// Clock controls time-related operations. If nil, a real clock is
	// used.
	Clock Clock

	// Controller supplies policy hooks, notably the synthetic handler
	// for transactions that time out before headers complete.
	Controller Controller

	// EgressSettings are advertised on the control stream. Nil means
	// protocol defaults.
	EgressSettings *Settings

	// TransactionTimeout is the per-transaction idle timeout. Zero
	// disables it.
	TransactionTimeout time.Duration

	// ConnectionIdleTimeout closes the session after this long with no
	// stream open. It never fires while a transaction is active. Zero
	// disables it.
	ConnectionIdleTimeout time.Duration

	// ConnFlowControlWindow and StreamFlowControlWindow configure the
	// receive windows announced to the peer.
	ConnFlowControlWindow   uint64
	StreamFlowControlWindow uint64

	// DestroyCallback runs once, when the session is destroyed.
	DestroyCallback func()
}

func (cfg *Config) defaults() {
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger
	}

	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}

	if cfg.ConnFlowControlWindow == 0 {
		cfg.ConnFlowControlWindow = 1 << 22
	}

	if cfg.StreamFlowControlWindow == 0 {
		cfg.StreamFlowControlWindow = 1 << 20
	}
}

// NewDownstreamSession builds the server side of a connection. factory is
// consulted once per request, after its headers parse.
func NewDownstreamSession(loop *EventLoop, sock Socket, factory HandlerFactory, cfg Config) *Session {
	s := newSession(loop, sock, Downstream, cfg)
	s.handlerFactory = factory

	return s
}

// NewUpstreamSession builds the client side of a connection. Transactions
// are opened with NewTransaction.
func NewUpstreamSession(loop *EventLoop, sock Socket, cfg Config) *Session {
	return newSession(loop, sock, Upstream, cfg)
}

func newSession(loop *EventLoop, sock Socket, dir Direction, cfg Config) *Session {
	cfg.defaults()

	if loop == nil {
		loop = NewEventLoop(cfg.Clock)
	}

	s := &Session{
		sock:      sock,
		loop:      loop,
		direction: dir,

		logger: cfg.Logger,
		debug:  cfg.Debug,

		controller: cfg.Controller,
		destroyCb:  cfg.DestroyCallback,

		registry:     newStreamRegistry(),
		queue:        newPriorityQueue(),
		fieldSection: newFieldSectionCodec(),

		advertisedMaxStreamID:  maxStreamID,
		peerMaxAllowedStreamID: maxStreamID,

		transactionTimeout:    cfg.TransactionTimeout,
		connectionIdleTimeout: cfg.ConnectionIdleTimeout,

		streamFlowControlWindow: cfg.StreamFlowControlWindow,
	}

	s.streamReads = &streamReadCallback{sess: s}
	s.dispatcher = newUniStreamDispatcher(sock, s)

	s.egressSettings.Reset()
	s.ingressSettings.Reset()
	if cfg.EgressSettings != nil {
		cfg.EgressSettings.CopyTo(&s.egressSettings)
	}

	s.fieldSection.SetMaxBlocked(s.egressSettings.BlockedStreams())
	s.fieldSection.onUnblocked = s.onFieldSectionUnblocked

	sock.SetConnectionCallback(s)
	_ = sock.SetConnectionFlowControlWindow(cfg.ConnFlowControlWindow)

	return s
}
