// Package relay forwards IRC traffic between one upstream server
// connection and any number of downstream clients, giving modules a
// chance to observe, rewrite or drop every line on the way.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircmsg"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dalnet/nickrelay/internal/metrics"
)

// Name is used as the source of lines the relay generates itself
const Name = "nickrelay"

// Upstream is the server connection as seen by the relay
type Upstream interface {
	Connected() bool
	CurrentNick() string
	ServerName() string
	SetNick(nick string)
	SendRaw(line string) error
}

// Options configures a Relay
type Options struct {
	// Password clients must send with PASS; empty allows everyone
	Password string
}

// Relay routes lines between the upstream and its clients
type Relay struct {
	upstream Upstream
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	channels *Channels

	mu      sync.RWMutex
	modules []Module
	clients map[*Client]struct{}
}

func New(up Upstream, opts Options, logger *zap.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		upstream: up,
		opts:     opts,
		logger:   logger.Named("relay"),
		metrics:  m,
		channels: NewChannels(),
		clients:  make(map[*Client]struct{}),
	}
}

// AddModule registers m. Modules see events in registration order.
func (r *Relay) AddModule(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = append(r.modules, m)
}

func (r *Relay) module(name string) Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if strings.EqualFold(m.Name(), name) {
			return m
		}
	}
	return nil
}

func (r *Relay) moduleList() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Module(nil), r.modules...)
}

// Channels returns the channel membership tracker
func (r *Relay) Channels() *Channels {
	return r.channels
}

// UpstreamConnected is called once the upstream has registered
func (r *Relay) UpstreamConnected() {
	r.logger.Info("upstream connected",
		zap.String("server", r.upstream.ServerName()),
		zap.String("nick", r.upstream.CurrentNick()))

	for _, m := range r.moduleList() {
		m.OnConnected()
	}
}

// UpstreamDisconnected is called when the upstream connection is lost
func (r *Relay) UpstreamDisconnected() {
	r.logger.Info("upstream disconnected")
	r.channels.Reset()

	for _, m := range r.moduleList() {
		m.OnDisconnected()
	}
	r.broadcastNotice("Disconnected from IRC. Reconnecting...")
}

// UpstreamMessage handles one line from the server: modules may halt it,
// otherwise channel state is updated, typed hooks run and the line is
// forwarded to every client.
func (r *Relay) UpstreamMessage(msg ircmsg.Message) {
	line, err := msg.Line()
	if err != nil {
		r.logger.Warn("dropping unserializable upstream line", zap.Error(err))
		return
	}
	line = strings.TrimRight(line, "\r\n")

	for _, m := range r.moduleList() {
		if m.OnRaw(line) == Halt {
			r.metrics.Lines.WithLabelValues("upstream", Halt.String()).Inc()
			r.logger.Debug("upstream line halted", zap.String("module", m.Name()), zap.String("line", line))
			return
		}
	}
	r.metrics.Lines.WithLabelValues("upstream", Continue.String()).Inc()

	r.track(msg)
	r.broadcast(line)
}

// track updates channel membership and runs the typed hooks
func (r *Relay) track(msg ircmsg.Message) {
	self := r.upstream.CurrentNick()

	switch msg.Command {
	case "JOIN":
		if len(msg.Params) > 0 {
			r.channels.Join(msg.Params[0], msg.Nick())
		}
	case "PART":
		if len(msg.Params) > 0 {
			r.channels.Part(msg.Params[0], msg.Nick(), strings.EqualFold(msg.Nick(), self))
		}
	case "KICK":
		// KICK <channel> <nick> [:reason]
		if len(msg.Params) > 1 {
			r.channels.Part(msg.Params[0], msg.Params[1], strings.EqualFold(msg.Params[1], self))
		}
	case "353":
		// 353 <me> <type> <channel> :<names>
		if len(msg.Params) > 3 {
			r.channels.Names(msg.Params[2], strings.Fields(msg.Params[3]))
		}
	case "NICK":
		if len(msg.Params) > 0 {
			oldNick, newNick := msg.Nick(), msg.Params[0]
			channels := r.channels.Rename(oldNick, newNick)
			for _, m := range r.moduleList() {
				m.OnNick(oldNick, newNick, channels)
			}
		}
	case "QUIT":
		var message string
		if len(msg.Params) > 0 {
			message = msg.Params[0]
		}
		channels := r.channels.Quit(msg.Nick())
		for _, m := range r.moduleList() {
			m.OnQuit(msg.Nick(), message, channels)
		}
	}
}

// clientLine handles one line from a registered client
func (r *Relay) clientLine(c *Client, msg ircmsg.Message, line string) {
	if msg.Command == "PRIVMSG" && len(msg.Params) > 1 && strings.HasPrefix(msg.Params[0], "*") {
		target := msg.Params[0][1:]
		if m := r.module(target); m != nil {
			m.OnCommand(strings.TrimSpace(msg.Params[1]), func(text string) {
				c.sendf(":*%s!%s@%s PRIVMSG %s :%s", m.Name(), Name, Name, c.Nick(), text)
			})
			return
		}
		c.sendf(":%s 401 %s %s :No such module", Name, c.Nick(), msg.Params[0])
		return
	}

	for _, m := range r.moduleList() {
		if m.OnUserRaw(line, c.send) == Halt {
			r.metrics.Lines.WithLabelValues("downstream", Halt.String()).Inc()
			r.logger.Debug("client line halted", zap.String("module", m.Name()), zap.String("client", c.id), zap.String("line", line))
			return
		}
	}
	r.metrics.Lines.WithLabelValues("downstream", Continue.String()).Inc()

	if !r.upstream.Connected() {
		c.sendf(":%s NOTICE %s :You are not connected to IRC", Name, c.Nick())
		return
	}

	if msg.Command == "NICK" && len(msg.Params) > 0 {
		r.upstream.SetNick(msg.Params[0])
		return
	}
	if err := r.upstream.SendRaw(line); err != nil {
		r.logger.Warn("failed to forward client line", zap.String("client", c.id), zap.Error(err))
	}
}

func (r *Relay) broadcast(line string) {
	for _, c := range r.clientList() {
		if c.Registered() {
			c.send(line)
		}
	}
}

func (r *Relay) broadcastNotice(text string) {
	for _, c := range r.clientList() {
		if c.Registered() {
			c.sendf(":%s NOTICE %s :%s", Name, c.Nick(), text)
		}
	}
}

func (r *Relay) clientList() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Relay) addClient(c *Client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()
	r.metrics.Clients.Set(float64(n))
}

func (r *Relay) removeClient(c *Client) {
	r.mu.Lock()
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()
	r.metrics.Clients.Set(float64(n))
}

// Serve accepts clients on ln until ctx is done
func (r *Relay) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	r.logger.Info("listening for clients", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return r.Close()
			}
			return fmt.Errorf("accept: %w", err)
		}
		c := r.Attach(conn)
		go c.Run()
	}
}

// Attach wraps conn in a Client registered with the relay. The caller
// runs it with Run.
func (r *Relay) Attach(conn net.Conn) *Client {
	c := newClient(r, conn)
	r.addClient(c)
	r.logger.Info("client connected", zap.String("client", c.id), zap.String("remote", conn.RemoteAddr().String()))
	return c
}

// Close disconnects every client
func (r *Relay) Close() error {
	var err error
	for _, c := range r.clientList() {
		err = multierr.Append(err, c.Close())
	}
	return err
}
