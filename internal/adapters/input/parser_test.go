package input

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeWithOrange/os-security-events-analyzer/internal/domain"
)

func TestJSONParser(t *testing.T) {
	parser := NewJSONParser()

	tests := []struct {
		name         string
		line         string
		wantErr      bool
		wantType     domain.EventType
		wantSeverity domain.Severity
		wantUser     string
		wantIP       string
		wantNative   int
		wantTime     time.Time
	}{
		{
			name:         "full event",
			line:         `{"timestamp":"2024-05-01T10:00:00Z","type":"failed-login","severity":"warning","source":"sshd","native_id":4625,"subject":{"user":"alice","source_ip":"10.0.0.7"}}`,
			wantType:     domain.EventFailedLogin,
			wantSeverity: domain.SeverityWarning,
			wantUser:     "alice",
			wantIP:       "10.0.0.7",
			wantNative:   4625,
			wantTime:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:       "native id only",
			line:       `{"native_id":4672,"timestamp":1714557600}`,
			wantNative: 4672,
			wantTime:   time.Unix(1714557600, 0).UTC(),
		},
		{
			name:     "type is normalized",
			line:     `{"type":" File-Created ","subject":{"path":"/srv/a.txt"}}`,
			wantType: domain.EventFileCreated,
		},
		{
			name:     "unknown severity left for enrichment",
			line:     `{"type":"service-installed","severity":"loud"}`,
			wantType: domain.EventServiceInstalled,
		},
		{
			name:    "no type and no native id",
			line:    `{"description":"something happened"}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			line:    `{invalid json}`,
			wantErr: true,
		},
		{
			name:    "not JSON",
			line:    `May  1 10:00:00 host sshd[1]: Failed password for root from 10.0.0.1 port 22 ssh2`,
			wantErr: true,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := parser.Parse(tc.line)

			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEventFormat)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, event)

			assert.Equal(t, tc.wantType, event.Type)
			assert.Equal(t, tc.wantSeverity, event.Severity)
			assert.Equal(t, tc.wantUser, event.Subject.User)
			assert.Equal(t, tc.wantIP, event.Subject.SourceIP)
			assert.Equal(t, tc.wantNative, event.NativeID)
			assert.True(t, tc.wantTime.Equal(event.Timestamp), "timestamp %s", event.Timestamp)
			assert.NotEmpty(t, event.RawPayload)
		})
	}
}

func TestJSONParserRawPayload(t *testing.T) {
	parser := NewJSONParser()

	t.Run("whole line when no raw member", func(t *testing.T) {
		line := `{"type":"failed-login","username":"bob"}`
		event, err := parser.Parse(line)
		require.NoError(t, err)
		assert.JSONEq(t, line, string(event.RawPayload))
	})

	t.Run("raw member kept verbatim", func(t *testing.T) {
		event, err := parser.Parse(`{"type":"failed-login","raw":{"EventID":4625,"TargetUserName":"bob"}}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"EventID":4625,"TargetUserName":"bob"}`, string(event.RawPayload))
	})

	t.Run("oversized line truncated", func(t *testing.T) {
		line := `{"type":"failed-login","description":"` + strings.Repeat("A", MaxLineLength) + `"}`
		_, err := parser.Parse(line)
		assert.ErrorIs(t, err, ErrInvalidEventFormat)
	})
}

func TestJSONParserFormat(t *testing.T) {
	parser := NewJSONParser()
	assert.Equal(t, "json", parser.Format())
	assert.True(t, parser.Validate(`{"type":"failed-login"}`))
	assert.False(t, parser.Validate("not json"))
}

func TestAuthLogParser(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	parser := NewAuthLogParser()
	parser.SetClock(func() time.Time { return now })

	tests := []struct {
		name       string
		line       string
		wantType   domain.EventType
		wantUser   string
		wantIP     string
		wantGroup  string
		wantNative int
		wantSource string
	}{
		{
			name:       "failed password",
			line:       "May  1 10:00:00 web1 sshd[4242]: Failed password for alice from 10.0.0.7 port 51234 ssh2",
			wantType:   domain.EventFailedLogin,
			wantUser:   "alice",
			wantIP:     "10.0.0.7",
			wantNative: 4625,
			wantSource: "authlog:sshd",
		},
		{
			name:       "failed password for invalid user",
			line:       "May  1 10:00:01 web1 sshd[4242]: Failed password for invalid user oracle from 45.33.1.9 port 40000 ssh2",
			wantType:   domain.EventFailedLogin,
			wantUser:   "oracle",
			wantIP:     "45.33.1.9",
			wantNative: 4625,
			wantSource: "authlog:sshd",
		},
		{
			name:       "accepted publickey",
			line:       "May  1 10:00:02 web1 sshd[4300]: Accepted publickey for bob from 192.168.1.5 port 50022 ssh2: ED25519 SHA256:abc",
			wantType:   domain.EventSuccessfulLogin,
			wantUser:   "bob",
			wantIP:     "192.168.1.5",
			wantNative: 4624,
			wantSource: "authlog:sshd",
		},
		{
			name:       "pam authentication failure",
			line:       "May  1 10:00:03 web1 login[900]: pam_unix(login:auth): authentication failure; logname= uid=0 euid=0 tty=tty1 ruser= rhost=  user=carol",
			wantType:   domain.EventFailedLogin,
			wantUser:   "carol",
			wantNative: 4625,
			wantSource: "authlog:login",
		},
		{
			name:       "useradd",
			line:       "May  1 10:00:04 web1 useradd[1200]: new user: name=backdoor, UID=1001, GID=1001, home=/home/backdoor, shell=/bin/bash",
			wantType:   domain.EventAccountCreated,
			wantUser:   "backdoor",
			wantNative: 4720,
			wantSource: "authlog:useradd",
		},
		{
			name:       "usermod group add",
			line:       "May  1 10:00:05 web1 usermod[1210]: add 'backdoor' to group 'sudo'",
			wantType:   domain.EventGroupModified,
			wantUser:   "backdoor",
			wantGroup:  "sudo",
			wantNative: 4732,
			wantSource: "authlog:usermod",
		},
		{
			name:       "sudo session",
			line:       "May  1 10:00:06 web1 sudo: pam_unix(sudo:session): session opened for user root(uid=0) by alice(uid=1000)",
			wantType:   domain.EventPrivilegeAssigned,
			wantUser:   "alice",
			wantNative: 4672,
			wantSource: "authlog:sudo",
		},
		{
			name:       "rfc3339 prefix",
			line:       "2024-05-01T10:00:07.123456+00:00 web1 sshd[4242]: Failed password for root from 10.0.0.8 port 22 ssh2",
			wantType:   domain.EventFailedLogin,
			wantUser:   "root",
			wantIP:     "10.0.0.8",
			wantNative: 4625,
			wantSource: "authlog:sshd",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			event, err := parser.Parse(tc.line)
			require.NoError(t, err)

			assert.Equal(t, tc.wantType, event.Type)
			assert.Equal(t, tc.wantUser, event.Subject.User)
			assert.Equal(t, tc.wantIP, event.Subject.SourceIP)
			assert.Equal(t, tc.wantGroup, event.Subject.Group)
			assert.Equal(t, tc.wantNative, event.NativeID)
			assert.Equal(t, tc.wantSource, event.Source)
			assert.NotEmpty(t, event.Description)
			assert.Equal(t, time.UTC, event.Timestamp.Location())
		})
	}
}

func TestAuthLogParserTimestamps(t *testing.T) {
	t.Run("syslog time uses the current year", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
		parser := NewAuthLogParser()
		parser.SetClock(func() time.Time { return now })

		event, err := parser.Parse("May  1 10:00:00 web1 sshd[1]: Failed password for root from 10.0.0.1 port 22 ssh2")
		require.NoError(t, err)
		want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).UTC()
		assert.True(t, want.Equal(event.Timestamp))
	})

	t.Run("december line read in january is last year", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 0, 5, 0, 0, time.Local)
		parser := NewAuthLogParser()
		parser.SetClock(func() time.Time { return now })

		event, err := parser.Parse("Dec 31 23:59:59 web1 sshd[1]: Failed password for root from 10.0.0.1 port 22 ssh2")
		require.NoError(t, err)
		assert.Equal(t, 2024, event.Timestamp.In(time.Local).Year())
	})
}

func TestAuthLogParserRejects(t *testing.T) {
	parser := NewAuthLogParser()

	_, err := parser.Parse("May  1 10:00:00 web1 CRON[77]: pam_unix(cron:session): session closed for user root")
	assert.ErrorIs(t, err, ErrUnrecognizedLine)

	for _, line := range []string{"", "garbage", "May  1 10:00:00", "May  1 10:00:00 host-without-program"} {
		_, err := parser.Parse(line)
		assert.Error(t, err, "line %q", line)
	}
}

func TestAutoDetectParser(t *testing.T) {
	parser := NewAutoDetectParser()
	assert.Equal(t, "auto", parser.Format())

	t.Run("detects JSON format", func(t *testing.T) {
		event, err := parser.Parse(`  {"type":"service-installed","subject":{"service":"evil"}}`)
		require.NoError(t, err)
		assert.Equal(t, domain.EventServiceInstalled, event.Type)
		assert.Equal(t, "evil", event.Subject.Service)
	})

	t.Run("falls back to auth log format", func(t *testing.T) {
		event, err := parser.Parse("May  1 10:00:00 web1 sshd[1]: Failed password for root from 10.0.0.1 port 22 ssh2")
		require.NoError(t, err)
		assert.Equal(t, domain.EventFailedLogin, event.Type)
	})

	t.Run("broken JSON does not fall through", func(t *testing.T) {
		_, err := parser.Parse(`{"type":`)
		assert.ErrorIs(t, err, ErrInvalidEventFormat)
	})
}

func TestNewParser(t *testing.T) {
	for format, want := range map[string]string{"": "auto", "AUTO": "auto", "json": "json", "authlog": "authlog"} {
		p, err := NewParser(format)
		require.NoError(t, err)
		assert.Equal(t, want, p.Format())
	}

	_, err := NewParser("evtx")
	assert.Error(t, err)
}

func BenchmarkJSONParser(b *testing.B) {
	parser := NewJSONParser()
	line := `{"timestamp":"2024-05-01T10:00:00Z","type":"failed-login","severity":"warning","source":"sshd","native_id":4625,"subject":{"user":"alice","source_ip":"10.0.0.7"}}`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(line)
	}
}

func BenchmarkAuthLogParser(b *testing.B) {
	parser := NewAuthLogParser()
	line := "May  1 10:00:00 web1 sshd[4242]: Failed password for invalid user oracle from 45.33.1.9 port 40000 ssh2"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(line)
	}
}
