package signaling

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/registry"
)

const (
	DefaultGreeting         = "Well hello there, I am a WebSocket server"
	DefaultMaxIdentityBytes = 256
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// maxbytes bounds the encoded length; the builtin max counts runes.
	err := v.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		limit, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return len(fl.Field().String()) <= limit
	})
	if err != nil {
		panic(fmt.Sprintf("signaling: register maxbytes validation: %v", err))
	}
	return v
}

type RouterConfig struct {
	// Registry is shared by every connection the router serves. A nil
	// Registry gets a private one.
	Registry *registry.Registry[*Session]

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Greeting         string
	MaxIdentityBytes int
}

// Router applies the signaling protocol to sessions. Calls for one session
// must be sequential; calls for different sessions may run concurrently.
type Router struct {
	registry *registry.Registry[*Session]
	log      *slog.Logger
	metrics  *metrics.Metrics

	greeting string
	nameRule string
}

func NewRouter(cfg RouterConfig) *Router {
	if cfg.Registry == nil {
		cfg.Registry = registry.New[*Session]()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.MaxIdentityBytes <= 0 {
		cfg.MaxIdentityBytes = DefaultMaxIdentityBytes
	}
	return &Router{
		registry: cfg.Registry,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		greeting: cfg.Greeting,
		nameRule: fmt.Sprintf("required,maxbytes=%d", cfg.MaxIdentityBytes),
	}
}

// Registry exposes the registry backing this router.
func (r *Router) Registry() *registry.Registry[*Session] {
	return r.registry
}

// Accept creates the session for a new connection and sends it the connect
// greeting.
func (r *Router) Accept(out Sender) *Session {
	s := newSession(out)
	r.metrics.Inc(metrics.ConnectionsAccepted)
	r.log.Debug("connection accepted", "conn_id", s.ID())
	r.send(s, connectMessage{Type: TypeConnect, Message: r.greeting})
	return s
}

// HandleMessage processes one inbound frame. Malformed input is answered
// with an error message; nothing here closes the connection.
func (r *Router) HandleMessage(s *Session, data []byte) {
	if s.isClosed() {
		return
	}

	switch msg := decodeInbound(data).(type) {
	case loginRequest:
		r.handleLogin(s, msg)
	case offerRequest:
		r.relay(s, msg.Target, metrics.RelayOffer, func(target *Session) ([]byte, error) {
			s.setPeer(msg.Target)
			sender := s.Identity()
			return encodeRelay(TypeOffer, "offer", msg.Offer, &sender)
		})
	case answerRequest:
		r.relay(s, msg.Target, metrics.RelayAnswer, func(target *Session) ([]byte, error) {
			s.setPeer(msg.Target)
			return encodeRelay(TypeAnswer, "answer", msg.Answer, nil)
		})
	case candidateRequest:
		r.relay(s, msg.Target, metrics.RelayCandidate, func(target *Session) ([]byte, error) {
			return encodeRelay(TypeCandidate, "candidate", msg.Candidate, nil)
		})
	case leaveRequest:
		r.relay(s, msg.Target, metrics.RelayLeave, func(target *Session) ([]byte, error) {
			target.setPeer("")
			return encode(leaveMessage{Type: TypeLeave})
		})
	case unknownRequest:
		r.metrics.Inc(metrics.UnknownCommand)
		r.log.Debug("unknown command", "conn_id", s.ID(), "type", msg.Type)
		r.send(s, errorMessage{Type: TypeError, Message: commandNotFoundPrefix + msg.Type})
	default:
		r.log.Error("unhandled inbound message", "conn_id", s.ID(), "type", fmt.Sprintf("%T", msg))
	}
}

// HandleClose runs the disconnect cascade for s. Only the first call has an
// effect.
func (r *Router) HandleClose(s *Session) {
	identity, peer, first := s.markClosed()
	if !first {
		return
	}
	r.metrics.Inc(metrics.ConnectionsClosed)
	if identity == "" {
		r.log.Debug("connection closed", "conn_id", s.ID())
		return
	}

	// The leave and removeUser are queued while the registry is locked so no
	// later membership event can overtake them.
	_ = r.registry.Update(func(tx *registry.Tx[*Session]) error {
		if !tx.Unregister(identity, s) {
			return nil
		}
		r.log.Info("user left", "conn_id", s.ID(), "user", identity)

		if peer != "" {
			if p, ok := tx.Lookup(peer); ok {
				p.setPeer("")
				r.metrics.Inc(metrics.DisconnectPeerLeave)
				r.send(p, leaveMessage{Type: TypeLeave})
			}
		}
		r.broadcast(tx, identity, userEventMessage{Type: TypeRemoveUser, User: userRef{UserName: identity}})
		return nil
	})
}

func (r *Router) handleLogin(s *Session, req loginRequest) {
	if s.Identity() != "" || validate.Var(req.Name, r.nameRule) != nil {
		r.rejectLogin(s, req.Name)
		return
	}

	// The reply and the announcement are queued inside the claim so they
	// precede any membership change applied after it.
	err := r.registry.Update(func(tx *registry.Tx[*Session]) error {
		existing, err := tx.Register(req.Name, s)
		if err != nil {
			return err
		}
		s.setIdentity(req.Name)

		r.metrics.Inc(metrics.LoginSuccess)
		r.log.Info("user logged in", "conn_id", s.ID(), "user", req.Name, "online", len(existing)+1)
		r.send(s, newLoginSuccess(existing))
		r.broadcast(tx, req.Name, userEventMessage{Type: TypeUpdateUsers, User: userRef{UserName: req.Name}})
		return nil
	})
	if err != nil {
		r.rejectLogin(s, req.Name)
	}
}

func (r *Router) rejectLogin(s *Session, name string) {
	r.metrics.Inc(metrics.LoginRejected)
	r.log.Info("login rejected", "conn_id", s.ID(), "user", name)
	r.send(s, loginFailureMessage{Type: TypeLogin, Success: false, Message: loginUnavailableMessage})
}

// relay looks up the target and, if present, delivers the frame built by
// build. A missing target drops the message without a reply.
func (r *Router) relay(s *Session, targetName, event string, build func(target *Session) ([]byte, error)) {
	target, ok := r.registry.Lookup(targetName)
	if !ok {
		r.metrics.Inc(metrics.RelayTargetMissing)
		r.log.Debug("relay target not found", "conn_id", s.ID(), "event", event, "target", targetName)
		return
	}

	payload, err := build(target)
	if err != nil {
		r.log.Error("encode relay message", "conn_id", s.ID(), "event", event, "err", err)
		return
	}
	r.metrics.Inc(event)
	r.deliver(target, payload)
}

func (r *Router) send(s *Session, msg any) {
	payload, err := encode(msg)
	if err != nil {
		r.log.Error("encode message", "conn_id", s.ID(), "err", err)
		return
	}
	r.deliver(s, payload)
}

func (r *Router) deliver(s *Session, payload []byte) {
	if err := s.Send(payload); err != nil {
		r.metrics.Inc(metrics.DeliveryFailed)
		r.log.Warn("deliver message", "conn_id", s.ID(), "user", s.Identity(), "err", err)
	}
}

func (r *Router) broadcast(tx *registry.Tx[*Session], except string, msg any) {
	payload, err := encode(msg)
	if err != nil {
		r.log.Error("encode broadcast", "err", err)
		return
	}
	if err := tx.BroadcastExcept(except, payload); err != nil {
		r.metrics.Inc(metrics.DeliveryFailed)
		r.log.Warn("broadcast incomplete", "except", except, "err", err)
	}
}
