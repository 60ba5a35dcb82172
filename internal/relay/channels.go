package relay

import (
	"sort"
	"strings"
	"sync"
)

// membership prefixes that may precede a nick in RPL_NAMREPLY
const namesPrefixes = "~&@%+"

// Channels tracks who shares which channel with us
type Channels struct {
	mu       sync.Mutex
	channels map[string]*channel
}

type channel struct {
	name    string
	members map[string]string // folded nick -> nick
}

func NewChannels() *Channels {
	return &Channels{channels: make(map[string]*channel)}
}

func fold(s string) string {
	return strings.ToLower(s)
}

// Join records nick joining name
func (c *Channels) Join(name, nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := c.channels[fold(name)]
	if ch == nil {
		ch = &channel{name: name, members: make(map[string]string)}
		c.channels[fold(name)] = ch
	}
	ch.members[fold(nick)] = nick
}

// Names records a RPL_NAMREPLY member list
func (c *Channels) Names(name string, nicks []string) {
	for _, nick := range nicks {
		nick = strings.TrimLeft(nick, namesPrefixes)
		// userhost-in-names
		if i := strings.IndexByte(nick, '!'); i >= 0 {
			nick = nick[:i]
		}
		if nick != "" {
			c.Join(name, nick)
		}
	}
}

// Part removes nick from name. If self is true the channel is forgotten.
func (c *Channels) Part(name, nick string, self bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if self {
		delete(c.channels, fold(name))
		return
	}
	if ch := c.channels[fold(name)]; ch != nil {
		delete(ch.members, fold(nick))
	}
}

// Rename moves oldNick to newNick everywhere and returns the affected channels
func (c *Channels) Rename(oldNick, newNick string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, ch := range c.channels {
		if _, ok := ch.members[fold(oldNick)]; ok {
			delete(ch.members, fold(oldNick))
			ch.members[fold(newNick)] = newNick
			names = append(names, ch.name)
		}
	}
	sort.Strings(names)
	return names
}

// Quit removes nick everywhere and returns the channels it was in
func (c *Channels) Quit(nick string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, ch := range c.channels {
		if _, ok := ch.members[fold(nick)]; ok {
			delete(ch.members, fold(nick))
			names = append(names, ch.name)
		}
	}
	sort.Strings(names)
	return names
}

// Shared returns the channels nick is in
func (c *Channels) Shared(nick string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, ch := range c.channels {
		if _, ok := ch.members[fold(nick)]; ok {
			names = append(names, ch.name)
		}
	}
	sort.Strings(names)
	return names
}

// Reset forgets everything; called when the upstream connection drops
func (c *Channels) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = make(map[string]*channel)
}
