package controller

import (
	"strconv"
	"strings"
)

const deletePrefix = "/sender delete "

// Command is the parsed form of one inbound queue payload.
// It is either DeleteRecipient or Domain.
type Command interface {
	command()
}

// DeleteRecipient asks the controller to forget a recipient that can no
// longer be reached.
type DeleteRecipient struct {
	ChatID int64
}

// Domain is any payload that is not an internal directive. It is handed to
// the domain handler unchanged.
type Domain struct {
	Payload []byte
}

func (DeleteRecipient) command() {}
func (Domain) command()          {}

// DeleteDirective builds the payload that ParseDirective reads back as
// DeleteRecipient. destination is a decimal chat id.
func DeleteDirective(destination string) []byte {
	return []byte(deletePrefix + destination)
}

// ParseDirective classifies payload. A reserved prefix with a malformed id
// is not a directive and falls through to Domain.
func ParseDirective(payload []byte) Command {
	s := string(payload)
	if rest, ok := strings.CutPrefix(s, deletePrefix); ok {
		if id, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64); err == nil {
			return DeleteRecipient{ChatID: id}
		}
	}
	return Domain{Payload: payload}
}
