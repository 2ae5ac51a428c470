package protocol

import (
	"strconv"
	"strings"
)

// Kind classifies one line of runtime output.
type Kind int

const (
	KindReply Kind = iota
	KindClick
	KindBool
	KindEvent
	KindFont
	KindExit
)

// Line prefixes emitted by the runtime.
const (
	PrefixClick = "clicked"
	PrefixBool  = "cb1b"
	PrefixEvent = "cb1e:"
	PrefixFont  = "font"
	PrefixExit  = "exit"
)

// FontKey is the fixed callback key for font-change notifications.
const FontKey = "font"

var kindNames = map[Kind]string{
	KindReply: "reply",
	KindClick: "click",
	KindBool:  "bool",
	KindEvent: "event",
	KindFont:  "font",
	KindExit:  "exit",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is the payload of a cb1e frame: a pointer or keyboard event.
type Event struct {
	X           int    `json:"x"`
	Y           int    `json:"y"`
	RootX       int    `json:"rootX"`
	RootY       int    `json:"rootY"`
	Height      int    `json:"height"`
	Width       int    `json:"width"`
	KeyCode     int    `json:"keyCode"`
	KeySymbol   string `json:"keySymbol"`
	MouseButton int    `json:"mouseButton"`
}

// Frame is one classified line from the runtime.
//
// Key is set for callback frames. Value carries the cb1b payload, Event the
// cb1e payload, and Text the font description or the untagged reply.
type Frame struct {
	Kind  Kind
	Key   string
	Value bool
	Event Event
	Text  string
}

// IsCallback reports whether the frame should be routed to a registered callback.
func (f Frame) IsCallback() bool {
	switch f.Kind {
	case KindClick, KindBool, KindEvent, KindFont:
		return true
	}
	return false
}

// Classify parses a single line (with or without its terminator). It never
// fails: unparseable numeric fields become zero and unknown text is a reply.
func Classify(line string) Frame {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case strings.HasPrefix(line, PrefixClick):
		key := strings.TrimPrefix(line[len(PrefixClick):], "-")
		return Frame{Kind: KindClick, Key: strings.TrimSpace(key)}

	case strings.HasPrefix(line, PrefixBool):
		return parseBool(line[len(PrefixBool):])

	case strings.HasPrefix(line, PrefixEvent):
		return parseEvent(line[len(PrefixEvent):])

	case strings.HasPrefix(line, PrefixFont):
		return Frame{Kind: KindFont, Key: FontKey, Text: strings.TrimSpace(line[len(PrefixFont):])}

	case strings.HasPrefix(line, PrefixExit):
		return Frame{Kind: KindExit}
	}

	return Frame{Kind: KindReply, Text: strings.TrimSpace(line)}
}

// parseBool handles "-<key>-<value>". The value is the last field so keys may
// themselves contain dashes.
func parseBool(rest string) Frame {
	rest = strings.TrimPrefix(rest, "-")
	f := Frame{Kind: KindBool}

	i := strings.LastIndex(rest, "-")
	if i < 0 {
		f.Key = strings.TrimSpace(rest)
		return f
	}
	f.Key = rest[:i]
	f.Value = strings.TrimSpace(rest[i+1:]) == "1"
	return f
}

// parseEvent handles "<key>:<x>:<y>:<rootx>:<rooty>:<height>:<width>:<keycode>:<keysym>:<button>".
func parseEvent(rest string) Frame {
	fields := strings.Split(rest, ":")
	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	return Frame{
		Kind: KindEvent,
		Key:  field(0),
		Event: Event{
			X:           atoi(field(1)),
			Y:           atoi(field(2)),
			RootX:       atoi(field(3)),
			RootY:       atoi(field(4)),
			Height:      atoi(field(5)),
			Width:       atoi(field(6)),
			KeyCode:     atoi(field(7)),
			KeySymbol:   field(8),
			MouseButton: atoi(field(9)),
		},
	}
}

// atoi returns 0 for anything that is not a decimal integer. Tk reports "??"
// for fields that do not apply to an event type.
func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Quote wraps s in Tcl braces, falling back to a backslash-escaped word when
// the braces would be unbalanced.
func Quote(s string) string {
	depth := 0
	balanced := !strings.HasSuffix(s, "\\")
	escaped := false
	for _, r := range s {
		if escaped {
			// Tcl does not count a backslashed brace inside braces.
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '{':
			depth++
		case '}':
			depth--
		}
		if depth < 0 {
			balanced = false
			break
		}
	}
	if balanced && depth == 0 && !strings.ContainsAny(s, "\n") {
		return "{" + s + "}"
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\', '[', ']', '$', '{', '}':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
