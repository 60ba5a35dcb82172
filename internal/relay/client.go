package relay

import (
	"crypto/subtle"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/ergochat/irc-go/ircreader"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const writeTimeout = 30 * time.Second

// Client is one downstream IRC connection
type Client struct {
	id     string
	relay  *Relay
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	nick       string
	user       string
	pass       string
	registered bool
	closed     bool
}

func newClient(r *Relay, conn net.Conn) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		relay:  r,
		conn:   conn,
		logger: r.logger.With(zap.String("client", id)),
		nick:   "*",
	}
}

// ID identifies the client in logs
func (c *Client) ID() string { return c.id }

// Nick is the nick the client should consider its own
func (c *Client) Nick() string {
	if up := c.relay.upstream; up.Connected() {
		if nick := up.CurrentNick(); nick != "" {
			return nick
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Run reads lines until the client goes away
func (c *Client) Run() {
	defer c.Close()

	reader := ircreader.NewIRCReader(c.conn)
	for {
		raw, err := reader.ReadLine()
		if err != nil {
			c.logger.Debug("client read ended", zap.Error(err))
			return
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if line == "" {
			continue
		}

		msg, err := ircmsg.ParseLine(line)
		if err != nil {
			c.logger.Debug("invalid client line", zap.String("line", line), zap.Error(err))
			continue
		}

		if !c.handle(msg, line) {
			return
		}
	}
}

// handle processes one line and reports whether to keep reading
func (c *Client) handle(msg ircmsg.Message, line string) bool {
	switch msg.Command {
	case "PING":
		token := Name
		if len(msg.Params) > 0 {
			token = msg.Params[0]
		}
		c.sendf(":%s PONG %s :%s", Name, Name, token)
		return true
	case "QUIT":
		return false
	}

	if !c.Registered() {
		return c.register(msg)
	}

	c.relay.clientLine(c, msg, line)
	return true
}

// register collects PASS, NICK and USER, then welcomes the client
func (c *Client) register(msg ircmsg.Message) bool {
	c.mu.Lock()
	switch msg.Command {
	case "CAP":
		c.mu.Unlock()
		if len(msg.Params) > 0 && strings.EqualFold(msg.Params[0], "LS") {
			c.sendf(":%s CAP * LS :", Name)
		}
		return true
	case "PASS":
		if len(msg.Params) > 0 {
			c.pass = msg.Params[0]
		}
	case "NICK":
		if len(msg.Params) > 0 {
			c.nick = msg.Params[0]
		}
	case "USER":
		if len(msg.Params) > 0 {
			c.user = msg.Params[0]
		}
	}

	ready := c.nick != "*" && c.user != ""
	nick, pass := c.nick, c.pass
	c.mu.Unlock()

	if !ready {
		return true
	}

	if want := c.relay.opts.Password; want != "" && subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		c.sendf(":%s 464 %s :Password incorrect", Name, nick)
		c.send("ERROR :Closing link: password incorrect")
		c.logger.Warn("client sent a wrong password")
		return false
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	current := c.Nick()
	c.sendf(":%s 001 %s :Welcome to %s, %s", Name, current, Name, current)
	c.sendf(":%s 422 %s :MOTD File is missing", Name, current)
	if current != nick {
		c.sendf(":%s NICK :%s", nick, current)
	}
	if !c.relay.upstream.Connected() {
		c.sendf(":%s NOTICE %s :You are not connected to IRC", Name, current)
	}

	c.logger.Info("client registered", zap.String("nick", current))
	return true
}

func (c *Client) sendf(format string, args ...interface{}) {
	c.send(fmt.Sprintf(format, args...))
}

// send writes one line; write errors close the client
func (c *Client) send(line string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		c.logger.Debug("client write failed", zap.Error(err))
		go c.Close()
	}
}

// Close disconnects the client and removes it from the relay
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.relay.removeClient(c)
	c.logger.Info("client disconnected")
	return c.conn.Close()
}
