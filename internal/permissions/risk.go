package permissions

import (
	"fmt"
	"strings"

	"github.com/basket/optad/internal/policy"
)

// Tool capability tags used by the heuristic classifier.
const (
	TagReadFiles     = "read-files"
	TagWriteFiles    = "write-files"
	TagNetworkAccess = "network-access"
	TagShellExec     = "shell-exec"
)

var tagKeywords = []struct {
	tag      string
	keywords []string
}{
	{TagShellExec, []string{"shell", "exec", "bash", "terminal", "command", "run_"}},
	{TagWriteFiles, []string{"write", "edit", "patch", "delete", "remove", "move", "rename", "mkdir", "create"}},
	{TagNetworkAccess, []string{"http", "fetch", "curl", "url", "web", "browser", "download", "upload", "request"}},
	{TagReadFiles, []string{"read", "list", "glob", "grep", "search", "stat"}},
}

var destructiveMarkers = []string{
	"rm -rf", "rm -fr", "sudo ", "mkfs", "dd if=", ":(){", "chmod -r 777", "chmod 777", "> /dev/sd", "shutdown", "git push --force",
}

// Tag returns the capability tag implied by a tool name.
func Tag(tool string) string {
	name := strings.ToLower(strings.TrimSpace(tool))
	for _, group := range tagKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(name, kw) {
				return group.tag
			}
		}
	}
	return ""
}

// Classify computes the risk of a tool call. A matching policy tool_risk
// rule wins; otherwise the tool's capability tag decides and destructive
// arguments escalate to high.
func Classify(p policy.Checker, tool string, args map[string]any) string {
	if p != nil {
		if risk, ok := p.ToolRisk(tool); ok {
			return risk
		}
	}
	if hasDestructiveArg(args) {
		return policy.RiskHigh
	}
	switch Tag(tool) {
	case TagShellExec:
		return policy.RiskHigh
	case TagWriteFiles, TagNetworkAccess:
		return policy.RiskMedium
	default:
		return policy.RiskLow
	}
}

func hasDestructiveArg(args map[string]any) bool {
	for _, v := range args {
		var text string
		switch val := v.(type) {
		case string:
			text = val
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			text = strings.Join(parts, " ")
		case map[string]any:
			if hasDestructiveArg(val) {
				return true
			}
			continue
		default:
			continue
		}
		text = strings.ToLower(text)
		for _, marker := range destructiveMarkers {
			if strings.Contains(text, marker) {
				return true
			}
		}
	}
	return false
}
