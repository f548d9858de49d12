package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/superfly/xchroot"
	"github.com/superfly/xchroot/database"
)

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sessions := []*database.Session{
		{
			SessionID:  "ses_01HZX3",
			Status:     database.StatusReady,
			ImagePath:  "/images/rpi.img",
			MountRoot:  "/mnt/rpi",
			LoopDevice: "/dev/loop3",
			CreatedAt:  now.Add(-5 * time.Minute),
			Mounts:     []database.Mount{{Seq: 1}, {Seq: 2}},
		},
	}

	out := RenderSessions(sessions, now)
	for _, want := range []string{"ses_01HZX3", "/dev/loop3", "/mnt/rpi", "5 minutes ago", "1 sessions"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderSessionsEmpty(t *testing.T) {
	out := RenderSessions(nil, time.Now())
	if !strings.Contains(out, "No sessions found") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRenderTeardownReport(t *testing.T) {
	out := RenderTeardownReport(&xchroot.TeardownReport{
		SessionID: "ses_1",
		Steps:     []string{"unmount /mnt/rpi/proc", "detach /dev/loop3"},
		Warnings:  []string{"restore resolv.conf: permission denied"},
	})
	for _, want := range []string{"ses_1", "detach /dev/loop3", "permission denied", SymbolWarning} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTruncateKeepsTail(t *testing.T) {
	if got := truncate("/images/very/long/path/rpi.img", 12); got != "..th/rpi.img" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	if got := FormatBytes(8 << 30); got != "8.0 GiB" {
		t.Fatalf("FormatBytes = %q", got)
	}
}
