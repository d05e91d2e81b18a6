package input

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/internal/ports"
)

// MaxLineLength caps a single producer line. Longer lines are truncated
// before parsing.
const MaxLineLength = 64 * 1024

var (
	ErrInvalidEventFormat = errors.New("invalid event format")
	ErrUnrecognizedLine   = errors.New("unrecognized auth log line")
)

// jsonEvent is the wire shape of one JSON-lines event. Fields not listed
// here stay in the raw payload, where enrichment can still find them.
type jsonEvent struct {
	Timestamp   json.RawMessage `json:"timestamp"`
	Type        string          `json:"type"`
	Severity    string          `json:"severity"`
	Source      string          `json:"source"`
	NativeID    int             `json:"native_id"`
	Description string          `json:"description"`
	Subject     *domain.Subject `json:"subject"`
	Raw         json.RawMessage `json:"raw"`
}

type JSONParser struct {
	maxLineLength int
}

func NewJSONParser() *JSONParser {
	return &JSONParser{
		maxLineLength: MaxLineLength,
	}
}

// Parse decodes one JSON object. The timestamp may be RFC 3339 or unix
// seconds; a missing one is left zero for enrichment to fill. When the object
// carries no "raw" member, the whole line becomes the raw payload.
func (p *JSONParser) Parse(line string) (*domain.Event, error) {
	if len(line) > p.maxLineLength {
		line = line[:p.maxLineLength]
	}
	line = strings.TrimSpace(line)
	if len(line) < 2 || line[0] != '{' {
		return nil, ErrInvalidEventFormat
	}

	var in jsonEvent
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		return nil, ErrInvalidEventFormat
	}

	event := &domain.Event{
		Type:        domain.EventType(strings.ToLower(strings.TrimSpace(in.Type))),
		Source:      in.Source,
		NativeID:    in.NativeID,
		Description: in.Description,
	}
	if event.Type == "" && event.NativeID == 0 {
		return nil, ErrInvalidEventFormat
	}
	if sev, ok := domain.ParseSeverity(in.Severity); ok {
		event.Severity = sev
	}
	if in.Subject != nil {
		event.Subject = *in.Subject
	}
	event.Timestamp = parseTimestamp(in.Timestamp)

	raw := bytes.TrimSpace(in.Raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte(line)
	}
	event.RawPayload = json.RawMessage(bytes.Clone(raw))

	return event, nil
}

func (p *JSONParser) Format() string {
	return "json"
}

func (p *JSONParser) Validate(line string) bool {
	return len(line) > 2 && line[0] == '{' && line[len(line)-1] == '}'
}

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC()
		}
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 && secs < 1e11 {
		whole := int64(secs)
		return time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
	}
	return time.Time{}
}

type authRule struct {
	pattern *regexp.Regexp
	build   func(m []string) *domain.Event
}

// authRules map Linux auth.log messages to the host event vocabulary. The
// first matching rule wins.
var authRules = []authRule{
	{
		pattern: regexp.MustCompile(`Failed (?:password|publickey) for (?:invalid user )?(\S+) from (\S+) port (\d+)`),
		build: func(m []string) *domain.Event {
			port, _ := strconv.Atoi(m[3])
			return &domain.Event{
				Type:     domain.EventFailedLogin,
				NativeID: 4625,
				Subject:  domain.Subject{User: m[1], SourceIP: m[2], RemotePort: port},
			}
		},
	},
	{
		pattern: regexp.MustCompile(`Accepted (?:password|publickey|keyboard-interactive/pam) for (\S+) from (\S+) port (\d+)`),
		build: func(m []string) *domain.Event {
			port, _ := strconv.Atoi(m[3])
			return &domain.Event{
				Type:     domain.EventSuccessfulLogin,
				NativeID: 4624,
				Subject:  domain.Subject{User: m[1], SourceIP: m[2], RemotePort: port},
			}
		},
	},
	{
		pattern: regexp.MustCompile(`authentication failure;.*\buser=(\S+)`),
		build: func(m []string) *domain.Event {
			return &domain.Event{
				Type:     domain.EventFailedLogin,
				NativeID: 4625,
				Subject:  domain.Subject{User: m[1]},
			}
		},
	},
	{
		pattern: regexp.MustCompile(`new user: name=([^,\s]+)`),
		build: func(m []string) *domain.Event {
			return &domain.Event{
				Type:     domain.EventAccountCreated,
				NativeID: 4720,
				Subject:  domain.Subject{User: m[1]},
			}
		},
	},
	{
		pattern: regexp.MustCompile(`(?:add|adding user) '?([^'\s]+)'? to (?:group|shadow group) '?([^'\s]+)'?`),
		build: func(m []string) *domain.Event {
			return &domain.Event{
				Type:     domain.EventGroupModified,
				NativeID: 4732,
				Subject:  domain.Subject{User: m[1], Group: m[2]},
			}
		},
	},
	{
		pattern: regexp.MustCompile(`session opened for user root(?:\(uid=0\))? by (\S+?)(?:\(uid=\d+\))?$`),
		build: func(m []string) *domain.Event {
			return &domain.Event{
				Type:     domain.EventPrivilegeAssigned,
				NativeID: 4672,
				Subject:  domain.Subject{User: m[1]},
			}
		},
	},
}

const syslogTimeLayout = "Jan _2 15:04:05"

// AuthLogParser recognizes sshd, PAM, useradd and sudo messages in syslog
// formatted auth logs. Lines it has no rule for are rejected.
type AuthLogParser struct {
	maxLineLength int
	clock         func() time.Time
}

func NewAuthLogParser() *AuthLogParser {
	return &AuthLogParser{
		maxLineLength: MaxLineLength,
		clock:         time.Now,
	}
}

// SetClock sets the clock used to place year-less syslog timestamps.
func (p *AuthLogParser) SetClock(clock func() time.Time) {
	if clock != nil {
		p.clock = clock
	}
}

func (p *AuthLogParser) Parse(line string) (*domain.Event, error) {
	if len(line) > p.maxLineLength {
		line = line[:p.maxLineLength]
	}
	line = strings.TrimRight(line, "\r\n ")

	ts, rest, ok := p.splitTimestamp(line)
	if !ok {
		return nil, ErrInvalidEventFormat
	}

	// "<host> <program>[pid]: <message>"
	_, rest, ok = strings.Cut(rest, " ")
	if !ok {
		return nil, ErrInvalidEventFormat
	}
	program, message, ok := strings.Cut(rest, ": ")
	if !ok {
		return nil, ErrInvalidEventFormat
	}
	if i := strings.IndexByte(program, '['); i > 0 {
		program = program[:i]
	}

	for _, rule := range authRules {
		m := rule.pattern.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		event := rule.build(m)
		event.Timestamp = ts
		event.Source = "authlog:" + program
		event.Description = message
		return event, nil
	}
	return nil, ErrUnrecognizedLine
}

// splitTimestamp accepts both the classic "Jan  2 15:04:05" prefix and the
// RFC 3339 prefix of high-precision rsyslog templates.
func (p *AuthLogParser) splitTimestamp(line string) (time.Time, string, bool) {
	if first, rest, ok := strings.Cut(line, " "); ok {
		if ts, err := time.Parse(time.RFC3339Nano, first); err == nil {
			return ts.UTC(), rest, true
		}
	}

	if len(line) < len(syslogTimeLayout)+1 {
		return time.Time{}, "", false
	}
	ts, err := time.ParseInLocation(syslogTimeLayout, line[:len(syslogTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, "", false
	}

	now := p.clock()
	ts = time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.Local)
	// A December line read in early January belongs to last year.
	if ts.After(now.Add(24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts.UTC(), strings.TrimLeft(line[len(syslogTimeLayout):], " "), true
}

func (p *AuthLogParser) Format() string {
	return "authlog"
}

type AutoDetectParser struct {
	jsonParser *JSONParser
	authParser *AuthLogParser
}

func NewAutoDetectParser() *AutoDetectParser {
	return &AutoDetectParser{
		jsonParser: NewJSONParser(),
		authParser: NewAuthLogParser(),
	}
}

func (p *AutoDetectParser) Parse(line string) (*domain.Event, error) {
	if trimmed := strings.TrimSpace(line); len(trimmed) > 0 && trimmed[0] == '{' {
		return p.jsonParser.Parse(line)
	}
	return p.authParser.Parse(line)
}

func (p *AutoDetectParser) Format() string {
	return "auto"
}

// NewParser returns the parser for a configured format name.
func NewParser(format string) (ports.EventParser, error) {
	switch strings.ToLower(format) {
	case "", "auto":
		return NewAutoDetectParser(), nil
	case "json":
		return NewJSONParser(), nil
	case "authlog":
		return NewAuthLogParser(), nil
	}
	return nil, fmt.Errorf("unknown event format %q", format)
}
