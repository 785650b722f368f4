// Package signalling relays the text messages peers exchange to set up direct
// WebRTC sessions, and drives those sessions from the peer side.
//
// Messages have the form TYPE!channelID!json. A channel ID is two digits, the
// sending peer followed by the receiving peer. Anything that is not a
// negotiation message is OTHER: a pipe-delimited channel list, or a bare peer
// identity.
package signalling

import (
	"strconv"
	"strings"
)

// Type is the kind of a signalling message.
type Type int

const (
	Other Type = iota
	Offer
	Answer
	Candidate
)

var typeNames = map[Type]string{
	Other:     "OTHER",
	Offer:     "OFFER",
	Answer:    "ANSWER",
	Candidate: "CANDIDATE",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "OTHER"
}

func parseType(s string) (Type, bool) {
	switch s {
	case "OFFER":
		return Offer, true
	case "ANSWER":
		return Answer, true
	case "CANDIDATE":
		return Candidate, true
	}
	return Other, false
}

// ChannelID names one direction of a link, sender digit then receiver digit.
type ChannelID string

// Sender returns the first character, or "" for a malformed ID.
func (c ChannelID) Sender() string {
	if len(c) < 2 {
		return ""
	}
	return string(c[0])
}

// Receiver returns the second character, or "" for a malformed ID.
func (c ChannelID) Receiver() string {
	if len(c) < 2 {
		return ""
	}
	return string(c[1])
}

// Names reports whether local is one of the channel's two ends.
func (c ChannelID) Names(local string) bool {
	return local != "" && (c.Sender() == local || c.Receiver() == local)
}

// Message is a parsed signalling message. For Other, Payload holds the whole
// text and Channel is empty.
type Message struct {
	Type    Type
	Channel ChannelID
	Payload string
}

// Parse never fails; unrecognised text comes back as Other.
func Parse(text string) Message {
	parts := strings.SplitN(text, "!", 3)
	if len(parts) < 3 {
		return Message{Type: Other, Payload: text}
	}
	t, ok := parseType(parts[0])
	if !ok {
		return Message{Type: Other, Payload: text}
	}
	return Message{Type: t, Channel: ChannelID(parts[1]), Payload: parts[2]}
}

// String formats the message for the wire.
func (m Message) String() string {
	if m.Type == Other {
		return m.Payload
	}
	return m.Type.String() + "!" + string(m.Channel) + "!" + m.Payload
}

// ChannelList returns the channels of a pipe-delimited list message.
func (m Message) ChannelList() ([]ChannelID, bool) {
	if m.Type != Other || !strings.Contains(m.Payload, "|") {
		return nil, false
	}
	return ParseChannelList(m.Payload), true
}

// Identity returns the local identity carried by an Other message made of
// decimal digits only.
func (m Message) Identity() (string, bool) {
	if m.Type != Other {
		return "", false
	}
	id := strings.TrimSpace(m.Payload)
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", false
	}
	return id, true
}

// Accepts reports whether a peer with the given identity should act on msg.
// Offers and candidates travel to the receiver; answers travel back to the
// sender.
func Accepts(local string, msg Message) bool {
	if local == "" {
		return false
	}
	switch msg.Type {
	case Offer, Candidate:
		return msg.Channel.Receiver() == local
	case Answer:
		return msg.Channel.Sender() == local
	}
	return false
}

// ParseChannelList splits a pipe-delimited list, dropping empty entries.
func ParseChannelList(s string) []ChannelID {
	var out []ChannelID
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, ChannelID(part))
		}
	}
	return out
}

// FormatChannelList joins channels for the wire.
func FormatChannelList(channels []ChannelID) string {
	parts := make([]string, len(channels))
	for i, c := range channels {
		parts[i] = string(c)
	}
	return strings.Join(parts, "|")
}
