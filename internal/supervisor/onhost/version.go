package onhost

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

const versionCheckTimeout = 10 * time.Second

// detectVersion runs the declared version-check command and extracts the
// version with the configured regex. An empty string means the check failed;
// version discovery is best-effort and never blocks supervision.
func detectVersion(spec *agenttype.VersionCheck) string {
	if spec == nil || spec.Path == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), versionCheckTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, spec.Path, spec.Args...).CombinedOutput()
	if err != nil {
		return ""
	}
	text := strings.TrimSpace(string(out))
	if spec.Regex == "" {
		return text
	}
	re, err := regexp.Compile(spec.Regex)
	if err != nil {
		return ""
	}
	match := re.FindStringSubmatch(text)
	if len(match) > 1 {
		return match[1]
	}
	if len(match) == 1 {
		return match[0]
	}
	return ""
}
