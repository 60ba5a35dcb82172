package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/dalnet/nickrelay/internal/config"
	"github.com/dalnet/nickrelay/internal/server"
)

// Version information (set at build time or here)
var (
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const (
	// defaultNickLen applies when the server does not advertise NICKLEN
	defaultNickLen = 9

	// retryDelay separates passes over the server list in Connect
	retryDelay = time.Minute
)

// Handler receives upstream events. Calls come from the connection's read
// goroutine, one at a time.
type Handler interface {
	UpstreamConnected()
	UpstreamDisconnected()
	UpstreamMessage(msg ircmsg.Message)
}

// Upstream is the relay's connection to the IRC server
type Upstream struct {
	conn       *ircevent.Connection
	servers    []server.Server
	primary    string
	retryDelay time.Duration
	logger     *zap.Logger
	handler    Handler

	mu         sync.RWMutex
	next       int
	current    server.Server
	nick       string
	serverName string
	maxNickLen int
	registered bool
}

// NewUpstream creates the connection without dialing
func NewUpstream(cfg *config.Config, logger *zap.Logger) (*Upstream, error) {
	if len(cfg.ServerList) == 0 {
		return nil, config.ErrNoServers
	}

	u := &Upstream{
		servers:    cfg.ServerList,
		primary:    cfg.Nick,
		retryDelay: retryDelay,
		logger:     logger.Named("upstream"),
	}

	conn := &ircevent.Connection{
		Nick:        cfg.Nick,
		User:        cfg.Username,
		RealName:    cfg.RealName,
		QuitMessage: "Shutting down",
		Version:     fmt.Sprintf("nickrelay %s (built %s, commit %s)", Version, BuildDate, GitCommit),
		Log:         zap.NewStdLog(u.logger.Named("ircevent")),
		TLSConfig:   &tls.Config{InsecureSkipVerify: cfg.TLSInsecure},
	}

	if cfg.Proxy != "" {
		dial, err := proxyDialer(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		conn.DialContext = dial
	}
	u.conn = conn

	u.useServer(u.servers[0])
	u.next = 1 % len(u.servers)

	u.registerHandlers()
	return u, nil
}

func proxyDialer(rawURL string) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support DialContext", proxyURL.Redacted())
	}
	return contextDialer.DialContext, nil
}

// useServer points the connection at s for the next Connect
func (u *Upstream) useServer(s server.Server) {
	u.mu.Lock()
	u.current = s
	u.mu.Unlock()

	u.conn.Server = s.Address()
	u.conn.UseTLS = s.SSL()
	u.conn.Password = s.Pass()
	u.conn.TLSConfig.ServerName = s.Name()
}

// SetHandler must be called before Connect
func (u *Upstream) SetHandler(h Handler) {
	u.handler = h
}

// commands relayed to clients besides numerics. PING, PONG and CAP stay
// with ircevent.
var relayedCommands = []string{
	"PRIVMSG", "NOTICE", "TAGMSG",
	"JOIN", "PART", "KICK", "QUIT", "NICK", "KILL",
	"MODE", "TOPIC", "INVITE",
	"AWAY", "ACCOUNT", "CHGHOST", "SETNAME",
	"WALLOPS", "ERROR", "FAIL", "WARN", "NOTE",
}

func (u *Upstream) registerHandlers() {
	for _, cmd := range relayedCommands {
		u.conn.AddCallback(cmd, u.onMessage)
	}
	// ircevent has no wildcard callback, so every numeric gets its own
	for i := 1; i < 1000; i++ {
		u.conn.AddCallback(fmt.Sprintf("%03d", i), u.onMessage)
	}
	u.conn.AddDisconnectCallback(u.onDisconnect)
}

// Connect dials the configured servers in turn until one of them accepts
// registration, pausing between passes over the list. It gives up only
// when ctx is done.
func (u *Upstream) Connect(ctx context.Context) error {
	for {
		for i := 0; i < len(u.servers); i++ {
			s := u.Server()
			u.logger.Info("connecting", zap.Stringer("server", s))
			err := u.conn.Connect()
			if err == nil {
				return nil
			}
			u.logger.Warn("connect failed", zap.Stringer("server", s), zap.Error(err))
			u.advance()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		t := time.NewTimer(u.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// advance switches to the next configured server. The connection must be
// stopped.
func (u *Upstream) advance() server.Server {
	u.mu.Lock()
	next := u.servers[u.next]
	u.next = (u.next + 1) % len(u.servers)
	u.mu.Unlock()

	u.useServer(next)
	// register with the primary nick next time; with the connection
	// stopped this only updates ircevent's preferred nick
	u.conn.SetNick(u.primary)
	return next
}

// Loop runs the connection, reconnecting as needed, until Quit
func (u *Upstream) Loop() {
	u.conn.Loop()
}

// Quit disconnects from IRC
func (u *Upstream) Quit(message string) {
	u.conn.QuitMessage = message
	u.conn.Quit()
}

// Server is the server currently (or next) in use
func (u *Upstream) Server() server.Server {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.current
}

func (u *Upstream) onMessage(e ircmsg.Message) {
	var connected bool
	var pin string

	u.mu.Lock()
	switch e.Command {
	case "001":
		// RPL_WELCOME carries the nick we actually got
		if len(e.Params) > 0 {
			u.nick = e.Params[0]
			pin = u.nick
		}
		u.serverName = e.Source
	case "005":
		// RPL_ISUPPORT <me> <token>... :are supported by this server
		if len(e.Params) > 2 {
			for _, token := range e.Params[1 : len(e.Params)-1] {
				if v, ok := strings.CutPrefix(token, "NICKLEN="); ok {
					if n, err := strconv.Atoi(v); err == nil && n > 0 {
						u.maxNickLen = n
					}
				}
			}
		}
	case "NICK":
		if len(e.Params) > 0 && e.Nick() == u.nick {
			u.nick = e.Params[0]
			pin = u.nick
		}
	case "376", "422":
		// end of MOTD (or no MOTD): registration is complete
		if !u.registered {
			u.registered = true
			connected = true
		}
	}
	u.mu.Unlock()

	u.pinNick(pin)

	if u.handler == nil {
		return
	}
	u.handler.UpstreamMessage(e)
	if connected {
		u.handler.UpstreamConnected()
	}
}

// pinNick makes nick ircevent's preferred nick. ircevent renicks to its
// preferred nick on every keepalive, and only the keepnick policy may ask
// for the primary nick once we are registered.
func (u *Upstream) pinNick(nick string) {
	if nick == "" || u.conn.PreferredNick() == nick {
		return
	}
	u.conn.SetNick(nick)
}

func (u *Upstream) onDisconnect(e ircmsg.Message) {
	u.mu.Lock()
	wasRegistered := u.registered
	u.registered = false
	u.nick = ""
	u.serverName = ""
	u.maxNickLen = 0
	u.mu.Unlock()

	next := u.advance()
	u.logger.Info("disconnected", zap.Stringer("next", next))

	if wasRegistered && u.handler != nil {
		u.handler.UpstreamDisconnected()
	}
}

// Connected reports whether registration with the server has completed
func (u *Upstream) Connected() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.registered
}

func (u *Upstream) CurrentNick() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.nick
}

// MaxNickLen is the server's NICKLEN, or 9 if it did not say
func (u *Upstream) MaxNickLen() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.maxNickLen > 0 {
		return u.maxNickLen
	}
	return defaultNickLen
}

// ServerName is the name the server uses for itself, or the configured
// host name before registration
func (u *Upstream) ServerName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.serverName != "" {
		return u.serverName
	}
	return u.current.Name()
}

// SetNick sends NICK nick and nothing else. The preferred nick follows
// only once the server confirms the change.
func (u *Upstream) SetNick(nick string) {
	if err := u.conn.Send("NICK", nick); err != nil {
		u.logger.Debug("NICK not sent", zap.String("nick", nick), zap.Error(err))
	}
}

// SendRaw sends a line as-is
func (u *Upstream) SendRaw(line string) error {
	return u.conn.SendRaw(line)
}
