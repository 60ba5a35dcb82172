package relay

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dalnet/nickrelay/internal/metrics"
)

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	nick      string
	sent      []string
}

func (u *fakeUpstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *fakeUpstream) CurrentNick() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nick
}

func (u *fakeUpstream) ServerName() string { return "irc.example.com" }

func (u *fakeUpstream) SetNick(nick string) {
	u.SendRaw("NICK " + nick)
}

func (u *fakeUpstream) SendRaw(line string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, line)
	return nil
}

func (u *fakeUpstream) Sent() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.sent...)
}

type event struct {
	kind     string
	args     []string
	channels []string
}

// recordingModule halts lines containing haltRaw/haltUser and records hooks
type recordingModule struct {
	haltRaw  string
	haltUser string

	mu     sync.Mutex
	events []event
}

func (m *recordingModule) record(kind string, channels []string, args ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event{kind: kind, args: args, channels: channels})
}

func (m *recordingModule) Events() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]event(nil), m.events...)
}

func (m *recordingModule) Name() string    { return "rec" }
func (m *recordingModule) OnConnected()    { m.record("connected", nil) }
func (m *recordingModule) OnDisconnected() { m.record("disconnected", nil) }

func (m *recordingModule) OnNick(oldNick, newNick string, channels []string) {
	m.record("nick", channels, oldNick, newNick)
}

func (m *recordingModule) OnQuit(nick, message string, channels []string) {
	m.record("quit", channels, nick, message)
}

func (m *recordingModule) OnRaw(line string) Disposition {
	if m.haltRaw != "" && strings.Contains(line, m.haltRaw) {
		return Halt
	}
	return Continue
}

func (m *recordingModule) OnUserRaw(line string, reply func(string)) Disposition {
	if m.haltUser != "" && strings.Contains(line, m.haltUser) {
		reply(":" + Name + " NOTICE * :halted " + line)
		return Halt
	}
	return Continue
}

func (m *recordingModule) OnCommand(command string, reply func(string)) {
	m.record("command", nil, command)
	reply("got " + command)
}

type testConn struct {
	conn  net.Conn
	lines chan string
}

func newTestRelay(t *testing.T, up *fakeUpstream, opts Options) (*Relay, *recordingModule, *metrics.Metrics) {
	m := metrics.New()
	r := New(up, opts, zap.NewNop(), m)
	mod := &recordingModule{haltRaw: " 433 ", haltUser: "NICK alice"}
	r.AddModule(mod)
	return r, mod, m
}

func dial(t *testing.T, r *Relay) *testConn {
	server, client := net.Pipe()
	c := r.Attach(server)
	go c.Run()

	tc := &testConn{conn: client, lines: make(chan string, 100)}
	go func() {
		defer close(tc.lines)
		sc := bufio.NewScanner(client)
		for sc.Scan() {
			tc.lines <- strings.TrimRight(sc.Text(), "\r")
		}
	}()
	t.Cleanup(func() { client.Close() })
	return tc
}

func (tc *testConn) write(t *testing.T, line string) {
	t.Helper()
	_, err := tc.conn.Write([]byte(line + "\r\n"))
	require.NoError(t, err)
}

func (tc *testConn) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-tc.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		assert.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (tc *testConn) expectClosed(t *testing.T) {
	t.Helper()
	select {
	case line, ok := <-tc.lines:
		assert.False(t, ok, "unexpected line %q", line)
	case <-time.After(time.Second):
		t.Fatal("connection not closed")
	}
}

func (tc *testConn) register(t *testing.T, nick string) {
	t.Helper()
	tc.write(t, "NICK "+nick)
	tc.write(t, "USER "+nick+" 0 * :Real Name")
}

func parse(t *testing.T, line string) ircmsg.Message {
	t.Helper()
	msg, err := ircmsg.ParseLine(line)
	require.NoError(t, err)
	return msg
}

func TestRegistration(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "carol"}
	r, _, m := newTestRelay(t, up, Options{})

	tc := dial(t, r)
	tc.write(t, "CAP LS 302")
	tc.expect(t, ":nickrelay CAP * LS :")
	tc.register(t, "bob")

	tc.expect(t, ":nickrelay 001 carol :Welcome to nickrelay, carol")
	tc.expect(t, ":nickrelay 422 carol :MOTD File is missing")
	tc.expect(t, ":bob NICK :carol")

	tc.write(t, "PING :abc")
	tc.expect(t, ":nickrelay PONG nickrelay :abc")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Clients))

	tc.write(t, "QUIT :bye")
	tc.expectClosed(t)
	require.Eventually(t, func() bool { return testutil.ToFloat64(m.Clients) == 0 }, time.Second, time.Millisecond)
}

func TestRegistrationWhileDisconnected(t *testing.T) {
	up := &fakeUpstream{}
	r, _, _ := newTestRelay(t, up, Options{})

	tc := dial(t, r)
	tc.register(t, "bob")
	tc.expect(t, ":nickrelay 001 bob :Welcome to nickrelay, bob")
	tc.expect(t, ":nickrelay 422 bob :MOTD File is missing")
	tc.expect(t, ":nickrelay NOTICE bob :You are not connected to IRC")

	tc.write(t, "PRIVMSG #go :hello there")
	tc.expect(t, ":nickrelay NOTICE bob :You are not connected to IRC")
	assert.Empty(t, up.Sent())
}

func TestPassword(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "bob"}
	r, _, _ := newTestRelay(t, up, Options{Password: "secret"})

	bad := dial(t, r)
	bad.write(t, "PASS wrong")
	bad.register(t, "bob")
	bad.expect(t, ":nickrelay 464 bob :Password incorrect")
	bad.expect(t, "ERROR :Closing link: password incorrect")
	bad.expectClosed(t)

	good := dial(t, r)
	good.write(t, "PASS secret")
	good.register(t, "bob")
	good.expect(t, ":nickrelay 001 bob :Welcome to nickrelay, bob")
}

func TestUpstreamLines(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "bob"}
	r, _, m := newTestRelay(t, up, Options{})

	tc := dial(t, r)
	tc.register(t, "bob")
	tc.expect(t, ":nickrelay 001 bob :Welcome to nickrelay, bob")
	tc.expect(t, ":nickrelay 422 bob :MOTD File is missing")

	r.UpstreamMessage(parse(t, ":irc.example.com 433 bob alice :Nickname is already in use."))
	r.UpstreamMessage(parse(t, ":carol!c@host PRIVMSG #go :hello there"))

	// the halted line never reaches the client
	tc.expect(t, ":carol!c@host PRIVMSG #go :hello there")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lines.WithLabelValues("upstream", "halt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Lines.WithLabelValues("upstream", "continue")))
}

func TestClientLines(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "bob"}
	r, mod, _ := newTestRelay(t, up, Options{})

	tc := dial(t, r)
	tc.register(t, "bob")
	tc.expect(t, ":nickrelay 001 bob :Welcome to nickrelay, bob")
	tc.expect(t, ":nickrelay 422 bob :MOTD File is missing")

	tc.write(t, "PRIVMSG #go :hello there")
	tc.write(t, "NICK alice")
	tc.expect(t, ":nickrelay NOTICE * :halted NICK alice")
	tc.write(t, "NICK dave")
	tc.write(t, "PRIVMSG *rec :state")
	tc.expect(t, ":*rec!nickrelay@nickrelay PRIVMSG bob :got state")
	tc.write(t, "PRIVMSG *missing :state")
	tc.expect(t, ":nickrelay 401 bob *missing :No such module")

	assert.Equal(t, []string{"PRIVMSG #go :hello there", "NICK dave"}, up.Sent())
	assert.Equal(t, []event{{kind: "command", args: []string{"state"}}}, mod.Events())
}

func TestTypedHooks(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "bob"}
	r, mod, _ := newTestRelay(t, up, Options{})

	r.UpstreamConnected()
	r.UpstreamMessage(parse(t, ":bob!b@host JOIN #go"))
	r.UpstreamMessage(parse(t, ":irc.example.com 353 bob = #go :@bob +alice carol"))
	r.UpstreamMessage(parse(t, ":alice!a@host NICK :alicia"))
	r.UpstreamMessage(parse(t, ":carol!c@host QUIT :Quit: gone fishing"))
	r.UpstreamMessage(parse(t, ":dave!d@host QUIT :Ping timeout"))
	r.UpstreamDisconnected()

	assert.Equal(t, []event{
		{kind: "connected"},
		{kind: "nick", args: []string{"alice", "alicia"}, channels: []string{"#go"}},
		{kind: "quit", args: []string{"carol", "Quit: gone fishing"}, channels: []string{"#go"}},
		{kind: "quit", args: []string{"dave", "Ping timeout"}},
		{kind: "disconnected"},
	}, mod.Events())
	assert.Empty(t, r.Channels().Shared("bob"))
}

func TestServe(t *testing.T) {
	up := &fakeUpstream{connected: true, nick: "bob"}
	r, _, _ := newTestRelay(t, up, Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("NICK bob\r\nUSER bob 0 * :Bob\r\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":nickrelay 001 bob :Welcome to nickrelay, bob\r\n", line)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}
