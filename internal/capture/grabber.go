package capture

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Grabber produces a screenshot file at the given path.
type Grabber interface {
	Grab(ctx context.Context, destPath string) error
}

// WindowInfo describes the frontmost application at capture time.
type WindowInfo struct {
	Title    string
	BundleID string
	AppName  string
}

// WindowSource reports the frontmost window. Implementations that cannot
// determine it return a zero WindowInfo and no error.
type WindowSource interface {
	ActiveWindow(ctx context.Context) (WindowInfo, error)
}

// ActivitySource reports how long the user has been idle, driving the
// active/idle capture rate switch.
type ActivitySource interface {
	IdleFor() (time.Duration, error)
}

// ExecGrabber shells out to the platform screenshot tool. On macOS that is
// screencapture(1); elsewhere a compatible tool can be configured.
type ExecGrabber struct {
	// Command is the tool to run; empty selects a platform default.
	Command string
	// Args are prepended before the destination path.
	Args []string
}

// NewExecGrabber returns a grabber for the current platform.
func NewExecGrabber() *ExecGrabber {
	if runtime.GOOS == "darwin" {
		// -x: no sound, -C: include cursor, -t: image format.
		return &ExecGrabber{Command: "screencapture", Args: []string{"-x", "-C", "-t", "png"}}
	}
	return &ExecGrabber{Command: "scrot", Args: []string{"-o"}}
}

func (g *ExecGrabber) Grab(ctx context.Context, destPath string) error {
	args := append(append([]string{}, g.Args...), destPath)
	cmd := exec.CommandContext(ctx, g.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("capture: %s failed: %w (%s)", g.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ExecWindowSource queries the frontmost application via osascript on
// macOS. Errors degrade to frames without application metadata.
type ExecWindowSource struct{}

const frontmostScript = `tell application "System Events"
	set frontApp to first application process whose frontmost is true
	set appName to name of frontApp
	set bundleID to bundle identifier of frontApp
	set winTitle to ""
	try
		set winTitle to name of front window of frontApp
	end try
end tell
return appName & "\n" & bundleID & "\n" & winTitle`

func (ExecWindowSource) ActiveWindow(ctx context.Context) (WindowInfo, error) {
	if runtime.GOOS != "darwin" {
		return WindowInfo{}, nil
	}
	out, err := exec.CommandContext(ctx, "osascript", "-e", frontmostScript).Output()
	if err != nil {
		return WindowInfo{}, fmt.Errorf("capture: osascript failed: %w", err)
	}
	parts := strings.SplitN(strings.TrimRight(string(out), "\n"), "\n", 3)
	info := WindowInfo{}
	if len(parts) > 0 {
		info.AppName = parts[0]
	}
	if len(parts) > 1 {
		info.BundleID = parts[1]
	}
	if len(parts) > 2 {
		info.Title = parts[2]
	}
	return info, nil
}

// ExecActivitySource reads system idle time via ioreg on macOS.
type ExecActivitySource struct{}

func (ExecActivitySource) IdleFor() (time.Duration, error) {
	if runtime.GOOS != "darwin" {
		return 0, nil
	}
	out, err := exec.Command("sh", "-c",
		`ioreg -c IOHIDSystem | awk '/HIDIdleTime/ {print $NF; exit}'`).Output()
	if err != nil {
		return 0, fmt.Errorf("capture: idle probe failed: %w", err)
	}
	var ns int64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%d", &ns); err != nil {
		return 0, fmt.Errorf("capture: unexpected idle probe output: %w", err)
	}
	return time.Duration(ns), nil
}
