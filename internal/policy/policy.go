package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capabilities checked by the gateway.
const (
	CapSessionRead   = "session.read"
	CapSessionMutate = "session.mutate"
)

// Risk levels attached to permission requests.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Checker is the interface used by consumers to check capabilities and tool risk.
type Checker interface {
	AllowCapability(capability string) bool
	ToolRisk(tool string) (string, bool)
	PolicyVersion() string
}

// RiskRule pins the risk of every tool whose name matches Tool (a path.Match glob).
type RiskRule struct {
	Tool string `yaml:"tool"`
	Risk string `yaml:"risk"`
}

// Policy is the serializable policy data.
type Policy struct {
	AllowCapabilities []string   `yaml:"allow_capabilities"`
	RiskRules         []RiskRule `yaml:"tool_risk,omitempty"`
}

// Default denies every capability. serve bootstraps policy.yaml from
// DefaultYAML on first start.
func Default() Policy {
	return Policy{}
}

// DefaultYAML is written to policy.yaml when none exists.
func DefaultYAML() string {
	return `# optad policy
allow_capabilities:
  - session.read
  - session.mutate
# tool_risk rules are matched in order; the first match wins.
tool_risk:
  - tool: "read_*"
    risk: low
`
}

var knownCapabilities = map[string]struct{}{
	CapSessionRead:   {},
	CapSessionMutate: {},
}

var knownRisks = map[string]struct{}{
	RiskLow:    {},
	RiskMedium: {},
	RiskHigh:   {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

// ToolRisk returns the risk pinned by the first rule matching tool.
func (p Policy) ToolRisk(tool string) (string, bool) {
	tool = strings.ToLower(strings.TrimSpace(tool))
	for _, rule := range p.RiskRules {
		pattern := strings.ToLower(strings.TrimSpace(rule.Tool))
		if pattern == "" {
			continue
		}
		if ok, err := path.Match(pattern, tool); err == nil && ok {
			return strings.ToLower(strings.TrimSpace(rule.Risk)), true
		}
	}
	return "", false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	for i, rule := range p.RiskRules {
		if strings.TrimSpace(rule.Tool) == "" {
			return fmt.Errorf("tool_risk[%d]: tool is required", i)
		}
		if _, err := path.Match(strings.ToLower(rule.Tool), ""); err != nil {
			return fmt.Errorf("tool_risk[%d]: bad pattern %q: %w", i, rule.Tool, err)
		}
		if _, ok := knownRisks[strings.ToLower(strings.TrimSpace(rule.Risk))]; !ok {
			return fmt.Errorf("tool_risk[%d]: unknown risk %q", i, rule.Risk)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// AllowCapability is the thread-safe capability check used at runtime.
func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) ToolRisk(tool string) (string, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.ToolRisk(tool)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// SetToolRisk pins the risk for a tool pattern at runtime and persists the change.
func (lp *LivePolicy) SetToolRisk(tool, risk string) error {
	tool = strings.ToLower(strings.TrimSpace(tool))
	risk = strings.ToLower(strings.TrimSpace(risk))
	if tool == "" {
		return fmt.Errorf("empty tool pattern")
	}
	if _, ok := knownRisks[risk]; !ok {
		return fmt.Errorf("unknown risk %q", risk)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	for i, rule := range lp.data.RiskRules {
		if strings.ToLower(strings.TrimSpace(rule.Tool)) == tool {
			lp.data.RiskRules[i].Risk = risk
			return lp.persist()
		}
	}
	lp.data.RiskRules = append([]RiskRule{{Tool: tool, Risk: risk}}, lp.data.RiskRules...)
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	cp.RiskRules = append([]RiskRule(nil), lp.data.RiskRules...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses and validates.
// On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, r := range p.RiskRules {
		_, _ = h.Write([]byte("risk:" + strings.ToLower(strings.TrimSpace(r.Tool)) + "=" + strings.ToLower(strings.TrimSpace(r.Risk)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
