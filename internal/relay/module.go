package relay

// Disposition tells the relay what to do with an intercepted line
type Disposition int

const (
	// Continue passes the line on to the next module and then to its destination
	Continue Disposition = iota
	// Halt drops the line; no later module sees it
	Halt
)

func (d Disposition) String() string {
	if d == Halt {
		return "halt"
	}
	return "continue"
}

// Module hooks into the relay. Hooks are called from the goroutine that
// observed the event and may run concurrently with each other; modules
// must serialize their own state.
type Module interface {
	// Name is the module's command target: operators talk to it with
	// PRIVMSG *<name>.
	Name() string

	OnConnected()
	OnDisconnected()

	// OnNick is called for every NICK seen upstream, after the transport
	// has updated its own nick. channels lists the channels we share
	// with the renamed user.
	OnNick(oldNick, newNick string, channels []string)
	// OnQuit is called when a user we can see leaves the network.
	OnQuit(nick, message string, channels []string)

	// OnRaw sees every line from the server before clients do.
	OnRaw(line string) Disposition
	// OnUserRaw sees every line a registered client sends before the
	// server does. reply delivers a line to that client only.
	OnUserRaw(line string, reply func(line string)) Disposition

	// OnCommand handles text sent to *<name>. reply sends one line of text
	// back to the operator.
	OnCommand(command string, reply func(text string))
}
