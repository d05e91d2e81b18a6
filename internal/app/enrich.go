package app

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
	"github.com/codeWithOrange/os-security-events-analyzer/pkg/sanitize"
)

type typeInfo struct {
	severity    domain.Severity
	description string
}

var eventTypeInfo = map[domain.EventType]typeInfo{
	domain.EventFailedLogin:        {domain.SeverityWarning, "Failed logon"},
	domain.EventSuccessfulLogin:    {domain.SeverityInfo, "Successful logon"},
	domain.EventAccountCreated:     {domain.SeverityWarning, "User account created"},
	domain.EventGroupModified:      {domain.SeverityWarning, "Group membership changed"},
	domain.EventServiceInstalled:   {domain.SeverityWarning, "Service installed"},
	domain.EventAuditPolicyChanged: {domain.SeverityCritical, "System audit policy changed"},
	domain.EventPrivilegeAssigned:  {domain.SeverityWarning, "Special privileges assigned"},
	domain.EventFileCreated:        {domain.SeverityInfo, "File created"},
	domain.EventFileModified:       {domain.SeverityInfo, "File modified"},
	domain.EventFileDeleted:        {domain.SeverityWarning, "File deleted"},
	domain.EventConnectionObserved: {domain.SeverityInfo, "Network connection observed"},
	domain.EventResourceSpike:      {domain.SeverityWarning, "Resource usage spike"},
}

type nativeInfo struct {
	eventType   domain.EventType
	severity    domain.Severity
	description string
}

// Windows security and system log ids.
var nativeIDInfo = map[int]nativeInfo{
	4624: {domain.EventSuccessfulLogin, domain.SeverityInfo, "Successful Logon"},
	4625: {domain.EventFailedLogin, domain.SeverityCritical, "Failed Logon"},
	4634: {"", domain.SeverityInfo, "Logoff"},
	4647: {"", domain.SeverityInfo, "User Initiated Logoff"},
	4656: {"", domain.SeverityInfo, "Handle to Object Requested"},
	4663: {"", domain.SeverityInfo, "Object Access Attempted"},
	4672: {domain.EventPrivilegeAssigned, domain.SeverityWarning, "Special Privileges Assigned to New Logon"},
	4673: {domain.EventPrivilegeAssigned, domain.SeverityInfo, "Privileged Service Called"},
	4688: {"", domain.SeverityWarning, "New Process Created"},
	4689: {"", domain.SeverityInfo, "Process Terminated"},
	4697: {domain.EventServiceInstalled, domain.SeverityCritical, "Service Installed"},
	4719: {domain.EventAuditPolicyChanged, domain.SeverityCritical, "System Audit Policy Changed"},
	4720: {domain.EventAccountCreated, domain.SeverityCritical, "User Account Created"},
	4722: {"", domain.SeverityInfo, "User Account Enabled"},
	4723: {"", domain.SeverityWarning, "Password Change Attempted"},
	4724: {"", domain.SeverityWarning, "Password Reset Attempted"},
	4726: {"", domain.SeverityInfo, "User Account Deleted"},
	4732: {domain.EventGroupModified, domain.SeverityCritical, "Member Added to Security-Enabled Local Group"},
	4733: {domain.EventGroupModified, domain.SeverityInfo, "Member Removed from Security-Enabled Local Group"},
	7040: {"", domain.SeverityInfo, "Service Start Type Changed"},
	7045: {domain.EventServiceInstalled, domain.SeverityCritical, "Service Installed (System Log)"},
}

// DefaultSuspiciousPorts are remote ports commonly used for remote access or
// by attack tooling.
var DefaultSuspiciousPorts = []int{22, 23, 3389, 4444, 5900, 6666}

var DefaultRansomwareExtensions = []string{".locked", ".encrypted", ".crypt", ".crypted", ".enc", ".ryk"}

type EnricherConfig struct {
	SuspiciousPorts      []int
	RansomwareExtensions []string
	Clock                func() time.Time
}

func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{
		SuspiciousPorts:      DefaultSuspiciousPorts,
		RansomwareExtensions: DefaultRansomwareExtensions,
		Clock:                time.Now,
	}
}

// Enricher fills derived fields of an event from static tables. It only
// ever raises severity, never lowers it.
type Enricher struct {
	ports      map[int]struct{}
	extensions []string
	clock      func() time.Time
}

func NewEnricher(cfg EnricherConfig) *Enricher {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	e := &Enricher{
		ports: make(map[int]struct{}, len(cfg.SuspiciousPorts)),
		clock: cfg.Clock,
	}
	for _, p := range cfg.SuspiciousPorts {
		e.ports[p] = struct{}{}
	}
	for _, ext := range cfg.RansomwareExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e.extensions = append(e.extensions, ext)
	}
	return e
}

func (e *Enricher) Enrich(event *domain.Event) {
	// Unstorable producer times are treated as missing.
	if event.Timestamp.IsZero() || !domain.StorableTime(event.Timestamp) {
		event.Timestamp = e.clock()
	}
	event.Timestamp = event.Timestamp.UTC()

	if event.Source == "" {
		event.Source = "unknown"
	}

	native, hasNative := nativeIDInfo[event.NativeID]
	if event.Type == "" && hasNative {
		event.Type = native.eventType
	}

	e.fillSubject(event)

	if !event.Severity.Valid() {
		event.Severity = ""
		switch {
		case hasNative:
			event.Severity = native.severity
		case eventTypeInfo[event.Type].severity != "":
			event.Severity = eventTypeInfo[event.Type].severity
		default:
			event.Severity = domain.SeverityInfo
		}
	}

	event.Description = sanitize.Description(event.Description)
	if event.Description == "" {
		switch {
		case hasNative:
			event.Description = native.description
		case eventTypeInfo[event.Type].description != "":
			event.Description = eventTypeInfo[event.Type].description
		default:
			event.Description = string(event.Type)
		}
		if hint := subjectHint(event); hint != "" {
			event.Description += ": " + hint
		}
	}

	if event.Type == domain.EventConnectionObserved {
		if _, ok := e.ports[event.Subject.RemotePort]; ok {
			raise(event, domain.SeverityWarning)
		}
	}
	if event.Type.IsFileMutation() && e.hasRansomwareExtension(event.Subject.Path) {
		raise(event, domain.SeverityCritical)
	}
}

func raise(event *domain.Event, to domain.Severity) {
	if to.Rank() > event.Severity.Rank() {
		event.Severity = to
	}
}

func (e *Enricher) hasRansomwareExtension(path string) bool {
	if path == "" {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, known := range e.extensions {
		if ext == known {
			return true
		}
	}
	return false
}

// fillSubject copies correlation attributes from the raw payload into empty
// Subject fields, then normalizes them.
func (e *Enricher) fillSubject(event *domain.Event) {
	s := &event.Subject
	if len(event.RawPayload) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(event.RawPayload, &raw); err == nil {
			fillString(&s.User, raw, "user", "username", "target_user")
			fillString(&s.SourceIP, raw, "source_ip", "ip", "remote_address")
			fillString(&s.Path, raw, "path", "file_path")
			fillString(&s.Group, raw, "group")
			fillString(&s.Service, raw, "service", "service_name")
			if s.RemotePort == 0 {
				s.RemotePort = intField(raw, "remote_port", "port")
			}
		}
	}

	s.User = sanitize.Identity(s.User)
	s.Group = sanitize.Identity(s.Group)
	s.Service = sanitize.Identity(s.Service)
	s.Path = sanitize.Text(s.Path, 4096)
	if s.SourceIP != "" {
		s.SourceIP = sanitize.IP(s.SourceIP)
	}
}

func fillString(dst *string, raw map[string]any, keys ...string) {
	if *dst != "" {
		return
	}
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			*dst = v
			return
		}
	}
}

func intField(raw map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func subjectHint(event *domain.Event) string {
	s := event.Subject
	switch {
	case event.Type.IsFileMutation() && s.Path != "":
		return s.Path
	case event.Type == domain.EventServiceInstalled && s.Service != "":
		return s.Service
	case event.Type == domain.EventConnectionObserved && s.SourceIP != "":
		return s.SourceIP + ":" + strconv.Itoa(s.RemotePort)
	case s.User != "":
		return s.User
	}
	return ""
}
