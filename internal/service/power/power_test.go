package power

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRebootCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		goos     string
		delay    time.Duration
		wantName string
		wantArgs []string
		wantErr  error
	}{
		{name: "linux default", goos: "linux", delay: DefaultRebootDelay, wantName: "shutdown", wantArgs: []string{"-r", "+1"}},
		{name: "linux rounds up", goos: "linux", delay: 90 * time.Second, wantName: "shutdown", wantArgs: []string{"-r", "+2"}},
		{name: "darwin immediate", goos: "darwin", delay: 0, wantName: "shutdown", wantArgs: []string{"-r", "+1"}},
		{name: "windows", goos: "windows", delay: DefaultRebootDelay, wantName: "shutdown.exe", wantArgs: []string{"-r", "-f", "-t", "60"}},
		{name: "plan9", goos: "plan9", wantErr: ErrUnsupportedOS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			name, args, err := RebootCommand(tt.goos, tt.delay)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.wantName, name)
			require.Equal(t, tt.wantArgs, args)
		})
	}
}
