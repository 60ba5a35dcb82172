// Package keepnick keeps trying to get the user's primary nick.
//
// A Policy is Inactive or Active. While Active it owns a periodic job that
// sends NICK <primary> every interval, reacts immediately when the nick is
// freed by someone else, hides the server's "nickname in use" replies that
// its own attempts cause, and answers a client's NICK <primary> locally so
// the two attempts do not race upstream.
//
// Every transition, timer fire and interception runs under one mutex, so a
// Policy behaves as a single actor. Different Policies share nothing but
// the Scheduler.
package keepnick

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dalnet/nickrelay/internal/metrics"
	"github.com/dalnet/nickrelay/internal/relay"
	"github.com/dalnet/nickrelay/internal/schedule"
)

const (
	// DefaultInterval is the retry cadence while Active
	DefaultInterval = 30 * time.Second

	// ModuleName is the command target: PRIVMSG *keepnick
	ModuleName = "keepnick"

	jobName = "KeepNickTimer"

	// ERR_NICKNAMEINUSE
	errNicknameInUse = "433"

	historyLines = 10
)

// Transport is the upstream connection the policy acts on
type Transport interface {
	Connected() bool
	CurrentNick() string
	// MaxNickLen is the server's NICKLEN; 0 or less means unknown
	MaxNickLen() int
	// SetNick sends NICK <nick> without waiting for the outcome
	SetNick(nick string)
	ServerName() string
}

// Scheduler runs the retry job
type Scheduler interface {
	Every(name string, interval time.Duration, fn func()) schedule.Job
}

// Journal keeps a history of what the policy did
type Journal interface {
	Record(entry string) error
	Last(n int) []string
}

// State of a Policy
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Active:
		return "active"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Options configures a Policy. Nick is required.
type Options struct {
	// Nick is the configured primary nick
	Nick     string
	Interval time.Duration
	Journal  Journal
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Policy is the nick acquisition state machine for one network
type Policy struct {
	nick      string
	interval  time.Duration
	transport Transport
	scheduler Scheduler
	journal   Journal
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu    sync.Mutex
	state State
	// job is non-nil iff state == Active
	job schedule.Job
	// gen identifies the current job; fires from older jobs are discarded
	gen uint64
}

var _ relay.Module = (*Policy)(nil)

// New builds an Inactive policy. Call Load once the policy is wired to
// receive events.
func New(t Transport, s Scheduler, opts Options) *Policy {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Policy{
		nick:      opts.Nick,
		interval:  opts.Interval,
		transport: t,
		scheduler: s,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named(ModuleName),
	}
}

func (p *Policy) Name() string { return ModuleName }

// Load starts trying right away if the transport is already connected
func (p *Policy) Load() {
	if p.transport.Connected() {
		p.OnConnected()
	}
}

// State reports whether the policy is currently trying
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// DesiredNick is the primary nick, cut to the server's nick length limit
func (p *Policy) DesiredNick() string {
	nick := p.nick
	if p.transport.Connected() {
		if limit := p.transport.MaxNickLen(); limit > 0 && len(nick) > limit {
			nick = nick[:limit]
		}
	}
	return nick
}

func nickEquals(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Enable starts trying. It is a no-op while Active.
func (p *Policy) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enable("enabled by operator")
}

// Disable stops trying. It is a no-op while Inactive.
func (p *Policy) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disable("disabled by operator")
}

func (p *Policy) enable(reason string) {
	if p.state == Active {
		return
	}

	p.gen++
	gen := p.gen
	p.job = p.scheduler.Every(jobName, p.interval, func() { p.fire(gen) })
	p.state = Active
	p.setActive(1)

	p.logger.Info("trying to get primary nick", zap.String("nick", p.DesiredNick()), zap.String("reason", reason))
	p.record(fmt.Sprintf("active: %s", reason))
}

func (p *Policy) disable(reason string) {
	if p.state == Inactive {
		return
	}

	p.job.Stop()
	p.job = nil
	p.state = Inactive
	p.setActive(0)

	p.logger.Info("no longer trying to get primary nick", zap.String("reason", reason))
	p.record(fmt.Sprintf("inactive: %s", reason))
}

// fire runs one attempt on behalf of job gen, unless that job was cancelled
func (p *Policy) fire(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active || p.gen != gen {
		return
	}
	p.attempt()
}

// attempt sends NICK <desired> if there is anything to do
func (p *Policy) attempt() {
	if p.state != Active || !p.transport.Connected() {
		return
	}

	desired := p.DesiredNick()
	if nickEquals(p.transport.CurrentNick(), desired) {
		return
	}

	p.logger.Debug("requesting primary nick", zap.String("nick", desired))
	p.transport.SetNick(desired)
	if p.metrics != nil {
		p.metrics.Attempts.Inc()
	}
}

func (p *Policy) OnConnected() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if current := p.transport.CurrentNick(); !nickEquals(current, p.DesiredNick()) {
		p.enable("connected as " + current)
	}
}

func (p *Policy) OnDisconnected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disable("disconnected")
}

func (p *Policy) OnNick(oldNick, newNick string, channels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	desired := p.DesiredNick()

	if newNick == p.transport.CurrentNick() {
		// our own nick changed
		if nickEquals(oldNick, desired) {
			// moving away from the primary nick: the user wants this,
			// don't fight them (or services)
			p.disable("nick changed away from " + oldNick)
		} else if nickEquals(newNick, desired) {
			p.disable("got primary nick " + newNick)
		}
		return
	}

	// the nick we want was just freed, be fast
	if nickEquals(oldNick, desired) {
		p.attempt()
	}
}

func (p *Policy) OnQuit(nick, message string, channels []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if nickEquals(nick, p.DesiredNick()) {
		p.attempt()
	}
}

// tokens splits line on whitespace, dropping a leading IRCv3 tag block
func tokens(line string) []string {
	fields := strings.Fields(line)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		fields = fields[1:]
	}
	return fields
}

// OnRaw hides "nickname in use" replies for the primary nick while Active:
//
//	:irc.server.net 433 mynick badnick :Nickname is already in use.
func (p *Policy) OnRaw(line string) relay.Disposition {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active {
		return relay.Continue
	}

	t := tokens(line)
	if len(t) < 4 || t[1] != errNicknameInUse {
		return relay.Continue
	}
	if !nickEquals(strings.TrimPrefix(t[3], ":"), p.DesiredNick()) {
		return relay.Continue
	}

	if p.metrics != nil {
		p.metrics.Suppressed.Inc()
	}
	return relay.Halt
}

// OnUserRaw answers a client's own NICK <primary> with a 433 while Active.
// We are already asking for that nick, and answering locally means every
// 433 for it from the server can be hidden.
func (p *Policy) OnUserRaw(line string, reply func(line string)) relay.Disposition {
	synthesized, ok := p.interceptNick(line)
	if !ok {
		return relay.Continue
	}

	reply(synthesized)
	return relay.Halt
}

func (p *Policy) interceptNick(line string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Active || !p.transport.Connected() {
		return "", false
	}

	t := tokens(line)
	if len(t) < 2 || !strings.EqualFold(t[0], "NICK") {
		return "", false
	}

	nick := strings.TrimPrefix(t[1], ":")
	if !nickEquals(nick, p.DesiredNick()) {
		return "", false
	}

	if p.metrics != nil {
		p.metrics.Intercepted.Inc()
	}
	p.logger.Debug("answering client NICK locally", zap.String("nick", nick))

	return fmt.Sprintf(":%s %s %s %s :%s is already trying to get this nickname",
		p.transport.ServerName(), errNicknameInUse, p.transport.CurrentNick(), nick, relay.Name), true
}

func (p *Policy) setActive(v float64) {
	if p.metrics != nil {
		p.metrics.Active.Set(v)
	}
}

func (p *Policy) record(entry string) {
	if p.journal == nil {
		return
	}
	if err := p.journal.Record(entry); err != nil {
		p.logger.Warn("failed to write journal", zap.Error(err))
	}
}
