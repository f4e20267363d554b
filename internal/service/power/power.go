package power

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// DefaultRebootDelay leaves running services a moment to flush state.
const DefaultRebootDelay = time.Minute

// ErrUnsupportedOS indicates the current OS is not supported for reboots.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// Rebooter schedules a device reboot.
type Rebooter func(ctx context.Context) error

// ScheduleReboot asks the OS to reboot after DefaultRebootDelay using built-in tools:
// - Linux/macOS: `shutdown -r +1`
// - Windows:     `shutdown.exe -r -f -t 60`
func ScheduleReboot(ctx context.Context) error {
	name, args, err := RebootCommand(runtime.GOOS, DefaultRebootDelay)
	if err != nil {
		return err
	}

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("schedule reboot: %w: %s", err, strings.TrimSpace(string(output)))
	}

	return nil
}

// RebootCommand returns the command scheduling a reboot on goos after delay.
// Unix shutdown accepts whole minutes, so the delay is rounded up to at least one.
func RebootCommand(goos string, delay time.Duration) (string, []string, error) {
	osName := strings.ToLower(goos)

	switch {
	case strings.Contains(osName, "linux") || strings.Contains(osName, "darwin"):
		minutes := max(int((delay+time.Minute-1)/time.Minute), 1)

		return "shutdown", []string{"-r", "+" + strconv.Itoa(minutes)}, nil
	case strings.Contains(osName, "windows"):
		seconds := max(int(delay/time.Second), 0)

		return "shutdown.exe", []string{"-r", "-f", "-t", strconv.Itoa(seconds)}, nil
	default:
		return "", nil, fmt.Errorf("unsupported operating system: %s: %w", goos, ErrUnsupportedOS)
	}
}
