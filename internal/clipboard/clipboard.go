// Package clipboard copies text to the system clipboard by shelling out to
// whatever tool the platform provides.
package clipboard

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// DefaultTimeout bounds each tool attempt.
const DefaultTimeout = 3 * time.Second

// ErrNoTool is returned when no clipboard tool applies to this platform.
var ErrNoTool = errors.New("no clipboard tool available")

// Tool is one clipboard command. Platform restricts it to a GOOS value;
// empty means any (clip.exe works on both Windows and WSL).
type Tool struct {
	Name     string
	Args     []string
	Platform string
}

// writeTools lists clipboard writers in priority order.
var writeTools = []Tool{
	{Name: "pbcopy", Platform: "darwin"},
	{Name: "xclip", Args: []string{"-selection", "clipboard"}, Platform: "linux"},
	{Name: "wl-copy", Platform: "linux"},
	{Name: "clip.exe"},
	{Name: "powershell", Args: []string{"-NoProfile", "-Command", "Set-Clipboard"}, Platform: "windows"},
}

// Copy writes value to the system clipboard, trying each applicable tool in
// order. It returns false (with nil error) when every tool failed, and
// ErrNoTool when none applies to the platform.
func Copy(value string) (bool, error) {
	return CopyWithTimeout(value, DefaultTimeout)
}

// CopyWithTimeout is Copy with a per-tool timeout.
func CopyWithTimeout(value string, timeout time.Duration) (bool, error) {
	tools := applicable(writeTools, runtime.GOOS)
	if len(tools) == 0 {
		return false, ErrNoTool
	}
	for _, tool := range tools {
		if run(tool, value, timeout) {
			return true, nil
		}
	}
	return false, nil
}

func applicable(tools []Tool, goos string) []Tool {
	var out []Tool
	for _, t := range tools {
		if t.Platform == "" || t.Platform == goos {
			out = append(out, t)
		}
	}
	return out
}

func run(tool Tool, value string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, tool.Name, tool.Args...)
	cmd.Stdin = strings.NewReader(value)
	return cmd.Run() == nil && ctx.Err() == nil
}
