package keepnick

import (
	"strings"
)

type command struct {
	name string
	help string
	run  func(p *Policy, reply func(string))
}

var commands = []command{
	{"Enable", "Try to get your primary nick", (*Policy).cmdEnable},
	{"Disable", "No longer trying to get your primary nick", (*Policy).cmdDisable},
	{"State", "Show the current state", (*Policy).cmdState},
	{"History", "Show what happened recently", (*Policy).cmdHistory},
}

// OnCommand dispatches operator commands sent to *keepnick
func (p *Policy) OnCommand(line string, reply func(text string)) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.EqualFold(fields[0], "Help") {
		p.cmdHelp(reply)
		return
	}

	for _, c := range commands {
		if strings.EqualFold(c.name, fields[0]) {
			c.run(p, reply)
			return
		}
	}
	reply("Unknown command [" + fields[0] + "], try 'Help'")
}

func (p *Policy) cmdEnable(reply func(string)) {
	p.Enable()
	reply("Trying to get your primary nick")
}

func (p *Policy) cmdDisable(reply func(string)) {
	p.Disable()
	reply("No longer trying to get your primary nick")
}

func (p *Policy) cmdState(reply func(string)) {
	if p.State() == Active {
		reply("Currently trying to get your primary nick")
	} else {
		reply("Currently disabled, try 'enable'")
	}
}

func (p *Policy) cmdHistory(reply func(string)) {
	if p.journal == nil {
		reply("No history is kept")
		return
	}
	entries := p.journal.Last(historyLines)
	if len(entries) == 0 {
		reply("Nothing happened yet")
		return
	}
	for _, e := range entries {
		reply(e)
	}
}

func (p *Policy) cmdHelp(reply func(string)) {
	for _, c := range commands {
		reply(c.name + " - " + c.help)
	}
	reply("Help - Show this list")
}
