package source

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemProcesses lists processes through gopsutil.
type SystemProcesses struct {
	Log zerolog.Logger
}

// Processes returns every process whose name could be read. Processes that
// vanish or deny access mid-scan are skipped.
func (s SystemProcesses) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	result := make([]ProcessInfo, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			skipped++
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		cmdline, _ := p.CmdlineWithContext(ctx)
		user, _ := p.UsernameWithContext(ctx)

		result = append(result, ProcessInfo{
			PID:      p.Pid,
			Name:     name,
			Exe:      exe,
			Cmdline:  cmdline,
			Username: user,
		})
	}

	if skipped > 0 {
		s.Log.Debug().Int("skipped", skipped).Int("total", len(procs)).Msg("Process snapshot skipped processes")
	}
	return result, nil
}

// Running reports whether pid is still alive.
func Running(ctx context.Context, pid int32) (bool, error) {
	return process.PidExistsWithContext(ctx, pid)
}
