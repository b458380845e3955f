package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calhub/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "team.ics")
	require.NoError(t, os.WriteFile(path, []byte("BEGIN:VCALENDAR\r\n"+
		"VERSION:2.0\r\n"+
		"X-WR-CALNAME:Team\r\n"+
		"BEGIN:VEVENT\r\n"+
		"UID:a\r\n"+
		"SUMMARY:Planning\r\n"+
		"DTSTART:20250305T090000Z\r\n"+
		"END:VEVENT\r\n"+
		"END:VCALENDAR\r\n"), 0o600))

	out, err := run(t, "parse", path)
	require.NoError(t, err)

	var got parseOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "Team", got.CalendarName)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "Planning", got.Events[0].Summary)
	assert.Equal(t, time.Hour, got.Events[0].Duration())
}

func TestParseCommandSentinel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.ics")
	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o600))

	out, err := run(t, "parse", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"calendarName": "parsing failed"`)
}

func TestExtractCommand(t *testing.T) {
	out, err := run(t, "extract", "--ref", "2025-03-05T10:30:00Z", "--timezone", "UTC", "Friday I work from 9 to 3")
	require.NoError(t, err)

	var ev struct {
		Summary string    `json:"summary"`
		Start   time.Time `json:"startDate"`
		End     time.Time `json:"endDate"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &ev))
	assert.Equal(t, "work", ev.Summary)
	assert.Equal(t, time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Date(2025, 3, 7, 15, 0, 0, 0, time.UTC), ev.End)

	_, err = run(t, "extract", "--ref", "2025-03-05T10:30:00Z", "buy milk")
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "calhub dev")
}

func TestScheduleRefreshWaitsForInitialRun(t *testing.T) {
	cfg := config.DefaultConfig()
	started := make(chan struct{})
	release := make(chan struct{})
	wait, err := scheduleRefresh(context.Background(), cfg, func(context.Context) {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	stopped := make(chan struct{})
	go func() {
		wait()
		close(stopped)
	}()

	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestScheduleRefreshRejectsBadSchedule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Refresh = "not a schedule"
	_, err := scheduleRefresh(context.Background(), cfg, func(context.Context) {})
	assert.Error(t, err)
}
