package restore

import (
	"strings"

	"github.com/asheshgoplani/agent-manager/internal/provider"
)

// ResumeArgs inserts the provider's resume flag and id into launcherArgs.
// The ccc wrapper takes a positional selector first, which must stay first.
func ResumeArgs(key provider.Key, launcher string, launcherArgs []string, flag, sessionID string) []string {
	resume := []string{flag, sessionID}
	if key == provider.KeyClaudeCode && strings.Contains(strings.ToLower(launcher), "ccc") &&
		len(launcherArgs) > 0 && !strings.HasPrefix(launcherArgs[0], "-") {
		out := make([]string, 0, len(launcherArgs)+2)
		out = append(out, launcherArgs[0])
		out = append(out, resume...)
		return append(out, launcherArgs[1:]...)
	}
	return append(resume, launcherArgs...)
}
