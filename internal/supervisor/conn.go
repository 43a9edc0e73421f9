package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/loykin/livesup/internal/message"
	"github.com/loykin/livesup/internal/metrics"
	"github.com/loykin/livesup/internal/node"
	"github.com/loykin/livesup/internal/rpc"
	"github.com/loykin/livesup/internal/service"
)

// serveConn reads frames from one connection until it closes. Frames are
// handled in arrival order.
func (s *Supervisor) serveConn(sock *node.Socket) {
	s.mu.Lock()
	s.conns[sock] = struct{}{}
	s.mu.Unlock()
	slog.Debug("connection opened", "conn", sock.ID())

	defer func() {
		s.mu.Lock()
		delete(s.conns, sock)
		s.mu.Unlock()
		s.onClose(sock)
		_ = sock.Close()
	}()

	for {
		b, err := sock.Read()
		if err != nil {
			if !node.IsClosed(err) && s.Running() {
				slog.Debug("connection read failed", "conn", sock.ID(), "error", err)
			}
			return
		}
		if req, ok := message.AsUIRequest(b); ok {
			go s.handleUIRPC(sock, req)
			continue
		}
		m, err := message.Decode(b)
		if err != nil {
			slog.Warn("dropping malformed frame", "conn", sock.ID(), "error", err)
			continue
		}
		s.handleMessage(sock, m)
	}
}

func (s *Supervisor) handleMessage(src node.Transport, m *message.Message) {
	if m.Topic == message.TopicHandshake || m.To == message.SupervisorID {
		s.dispatcher.Handle(src, m)
		return
	}
	s.routeMessage(m, src)
}

// onClose drops the node bound to sock. A node that already reconnected on
// another socket is left alone.
func (s *Supervisor) onClose(sock node.Transport) {
	e := s.registry.FindBySocket(sock)
	if e == nil {
		return
	}
	e.Node.Detach()
	s.registry.Release(e.Name, e.Node)
	slog.Info("node disconnected", "service", e.Name)
}

func (s *Supervisor) handleHandshake(src node.Transport, m *message.Message) {
	if e := s.registry.FindBySocket(src); e != nil {
		slog.Debug("repeated handshake ignored", "service", e.Name)
		return
	}
	name := m.From
	if name == "" {
		slog.Warn("handshake without identity dropped")
		return
	}

	n := node.New(name)
	n.Attach(src)
	n.MuteMethod(service.DefaultHealthCheckMethod)
	if mgd := s.Service(name); mgd != nil {
		n.MuteMethod(mgd.HealthMethod())
	}
	if prev := s.registry.Register(name, n); prev != nil {
		prev.Detach()
		if pt := prev.Transport(); pt != nil && pt != src {
			_ = pt.Close()
		}
		slog.Warn("node replaced by new connection", "service", name)
	}
	slog.Info("node connected", "service", name)

	if mgd := s.Service(name); mgd != nil {
		mgd.MarkHealthy()
	}
}

func (s *Supervisor) handleLocalRPC(src node.Transport, m *message.Message) {
	var req message.RPCRequest
	if err := m.DecodeData(&req); err != nil {
		s.reply(src, m, "", message.TopicError, err.Error())
		return
	}
	if !s.self.ShouldMute(m) {
		slog.Debug("recv rpc", "from", m.From, "method", req.Method, "mid", m.MID)
	}
	go func() {
		v, err := s.methods.Dispatch(context.Background(), rpc.Call{Method: req.Method, Args: req.Args})
		if err != nil {
			s.reply(src, m, req.From, message.TopicError, err.Error())
			return
		}
		s.reply(src, m, req.From, message.TopicResponse, v)
	}()
}

func (s *Supervisor) handleLocalResponse(_ node.Transport, m *message.Message) {
	var r message.Reply
	if err := m.DecodeData(&r); err != nil {
		slog.Warn("malformed response", "from", m.From, "error", err)
		return
	}
	s.self.ShouldMute(m)
	if !s.pending.Resolve(r.MID, r.Value) {
		slog.Debug("response for unknown call", "from", m.From, "mid", r.MID)
	}
}

func (s *Supervisor) handleLocalError(_ node.Transport, m *message.Message) {
	var r message.Reply
	if err := m.DecodeData(&r); err != nil {
		slog.Warn("malformed error", "from", m.From, "error", err)
		return
	}
	s.self.ShouldMute(m)
	if !s.pending.Reject(r.MID, &rpc.RemoteError{Message: r.ErrorText()}) {
		slog.Debug("error for unknown call", "from", m.From, "mid", r.MID)
	}
}

// reply answers m on src, addressed to to or, when empty, to m.From.
func (s *Supervisor) reply(src node.Transport, m *message.Message, to, topic string, value any) {
	if to == "" {
		to = m.From
	}
	r, err := message.NewReply(m.MID, value)
	if err != nil {
		r, _ = message.NewReply(m.MID, err.Error())
		topic = message.TopicError
	}
	out, err := message.New(topic, to, r)
	if err != nil {
		slog.Error("build reply", "mid", m.MID, "error", err)
		return
	}
	if _, err := s.self.SendOn(src, out); err != nil {
		slog.Debug("reply not delivered", "to", to, "mid", m.MID, "error", err)
	}
}

// routeMessage delivers m to the node named by m.To. Replies to calls the
// supervisor issued are resolved here. An rpc or application message for an
// unknown or disconnected node is answered with an error to the sender;
// replies that cannot be delivered are dropped.
func (s *Supervisor) routeMessage(m *message.Message, src node.Transport) {
	isReply := m.Topic == message.TopicResponse || m.Topic == message.TopicError
	if isReply {
		var r message.Reply
		if err := m.DecodeData(&r); err == nil && s.pending.Expects(r.MID, m.From) {
			if m.Topic == message.TopicResponse {
				s.pending.Resolve(r.MID, r.Value)
			} else {
				s.pending.Reject(r.MID, &rpc.RemoteError{Message: r.ErrorText()})
			}
			metrics.ObserveRouted(m.Topic, "local")
			return
		}
	}

	dest := s.registry.Get(m.To)
	if dest == nil || !dest.Connected() {
		metrics.ObserveRouted(m.Topic, "unroutable")
		if isReply {
			slog.Warn("dropping reply for unknown node", "to", m.To, "from", m.From, "topic", m.Topic)
			return
		}
		slog.Warn("unknown node", "to", m.To, "from", m.From, "topic", m.Topic)
		s.reply(src, m, "", message.TopicError, fmt.Sprintf("unknown node %s", m.To))
		return
	}

	mutedBySender := false
	if e := s.registry.FindBySocket(src); e != nil {
		mutedBySender = e.Node.ShouldMute(m)
	}
	if mutedByDest := dest.ShouldMute(m); !mutedBySender && !mutedByDest {
		slog.Debug("route", "from", m.From, "to", m.To, "topic", m.Topic, "mid", m.MID)
	}

	if err := dest.Forward(m); err != nil {
		metrics.ObserveRouted(m.Topic, "dropped")
		slog.Warn("forward failed", "to", m.To, "topic", m.Topic, "error", err)
		if !isReply {
			s.reply(src, m, "", message.TopicError, fmt.Sprintf("node %s unreachable: %v", m.To, err))
		}
		return
	}
	metrics.ObserveRouted(m.Topic, "forwarded")
}

// handleUIRPC serves the simpler browser framing: one call, one answer
// carrying the caller's callId.
func (s *Supervisor) handleUIRPC(sock *node.Socket, req *message.UIRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout+s.retryBudget())
	defer cancel()

	resp := message.UIResponse{CallID: req.CallID}
	res, err := s.callWithRetry(ctx, req.Service, rpc.Call{Method: req.Method, Args: req.Args},
		s.cfg.CallTimeout, s.cfg.Retries, s.cfg.RetryDelay)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = res
		if len(resp.Result) == 0 {
			resp.Result = json.RawMessage("null")
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		slog.Error("encode ui response", "error", err)
		return
	}
	if err := sock.Send(b); err != nil {
		slog.Debug("ui response not delivered", "conn", sock.ID(), "error", err)
	}
}
