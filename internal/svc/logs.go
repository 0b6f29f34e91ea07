package svc

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// ViewLogs displays service logs using platform-appropriate tools.
func ViewLogs(opts LogOptions) error {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}

	switch runtime.GOOS {
	case "linux":
		return viewLogsLinux(opts)
	case "darwin":
		return viewLogsDarwin(opts)
	case "windows":
		return viewLogsWindows(opts)
	default:
		return fmt.Errorf("log viewing not supported on %s", runtime.GOOS)
	}
}

// viewLogsLinux uses journalctl to view systemd service logs.
func viewLogsLinux(opts LogOptions) error {
	args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
	if opts.Follow {
		args = append(args, "-f")
	}

	cmd := exec.Command("journalctl", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	return cmd.Run()
}

// viewLogsDarwin reads the log files created by launchd.
func viewLogsDarwin(opts LogOptions) error {
	outLog := fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName)
	errLog := fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName)

	if opts.Follow {
		cmd := exec.Command("tail", "-f", outLog, errLog)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		return cmd.Run()
	}

	shown := false
	for _, path := range []string{errLog, outLog} {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		shown = true
		cmd := exec.Command("tail", "-n", strconv.Itoa(opts.Lines), path)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		_ = cmd.Run()
	}
	if !shown {
		fmt.Printf("No log files found for service %q\n", opts.ServiceName)
		fmt.Printf("Expected log files:\n  - %s\n  - %s\n", outLog, errLog)
	}
	return nil
}

// viewLogsWindows uses PowerShell to query the Windows Event Log.
func viewLogsWindows(opts LogOptions) error {
	psScript := fmt.Sprintf(`
$events = Get-WinEvent -FilterHashtable @{
    LogName = 'Application'
    ProviderName = '%s'
} -MaxEvents %d -ErrorAction SilentlyContinue

if ($events) {
    $events | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap
} else {
    Write-Host "No log entries found for service '%s'"
    Write-Host "Try checking Event Viewer > Windows Logs > Application"
}
`, opts.ServiceName, opts.Lines, opts.ServiceName)

	cmd := exec.Command("powershell", "-NoProfile", "-Command", psScript)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nCould not read Windows Event Log automatically.\n")
		fmt.Fprintf(os.Stderr, "To view logs manually:\n")
		fmt.Fprintf(os.Stderr, "  1. Open Event Viewer (eventvwr.msc)\n")
		fmt.Fprintf(os.Stderr, "  2. Navigate to Windows Logs > Application\n")
		fmt.Fprintf(os.Stderr, "  3. Filter by Source: %s\n", opts.ServiceName)
		return err
	}

	return nil
}
