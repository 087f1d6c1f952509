package resolver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNoHandler is returned on platforms without a default-handler query.
var ErrNoHandler = errors.New("no default browser handler available")

// Safari handles https when LaunchServices has no override.
const defaultMacBrowser = "com.apple.Safari"

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return out, nil
}

// LaunchServicesHandler reads the https handler from the LaunchServices
// preferences via defaults(1).
type LaunchServicesHandler struct {
	Run CommandRunner
}

func (h LaunchServicesHandler) DefaultBrowser(ctx context.Context) (string, error) {
	run := h.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, "defaults", "read", "com.apple.LaunchServices/com.apple.launchservices.secure", "LSHandlers")
	if err != nil {
		// No LSHandlers key means the user never changed the default.
		return defaultMacBrowser, nil
	}
	if id := parseLSHandlers(string(out), "https"); id != "" {
		return id, nil
	}
	return defaultMacBrowser, nil
}

// parseLSHandlers extracts LSHandlerRoleAll for scheme from the old-style
// property list printed by defaults(1).
func parseLSHandlers(out, scheme string) string {
	var (
		depth  int
		fields map[string]string
	)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		opens := strings.Count(line, "{")
		closes := strings.Count(line, "}")

		if opens > 0 && depth == 0 && strings.HasPrefix(line, "{") {
			fields = make(map[string]string)
		}
		if depth == 1 && opens == 0 && closes == 0 && fields != nil {
			if k, v, ok := splitAssignment(line); ok {
				fields[k] = v
			}
		}

		depth += opens - closes
		if depth == 0 && closes > 0 && fields != nil {
			if strings.EqualFold(fields["LSHandlerURLScheme"], scheme) && fields["LSHandlerRoleAll"] != "" {
				return fields["LSHandlerRoleAll"]
			}
			fields = nil
		}
	}
	return ""
}

func splitAssignment(line string) (string, string, bool) {
	k, v, ok := strings.Cut(strings.TrimSuffix(line, ";"), "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.Trim(strings.TrimSpace(v), `"`), true
}

// XDGHandler asks xdg-settings for the default browser desktop entry.
type XDGHandler struct {
	Run CommandRunner
}

func (h XDGHandler) DefaultBrowser(ctx context.Context) (string, error) {
	run := h.Run
	if run == nil {
		run = execRunner
	}
	out, err := run(ctx, "xdg-settings", "get", "default-web-browser")
	if err != nil {
		return "", err
	}
	id := strings.TrimSuffix(strings.TrimSpace(string(out)), ".desktop")
	if id == "" {
		return "", ErrNoHandler
	}
	return id, nil
}

// FixedHandler always reports the same browser.
type FixedHandler string

func (h FixedHandler) DefaultBrowser(ctx context.Context) (string, error) {
	if h == "" {
		return "", ErrNoHandler
	}
	return string(h), nil
}
