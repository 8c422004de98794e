package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xelth-com/eckmesh/internal/events"
)

// Outcome distinguishes a genuine incompatibility from a failed check.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeError   Outcome = "error"
)

// Checker is the compatibility source the guard delegates to.
type Checker interface {
	CheckCompatibility(remote RemoteNode) (CompatibilityCheck, error)
}

// SyncDecision is one guarded sync attempt.
type SyncDecision struct {
	NodeID    string              `json:"nodeId"`
	NodeName  string              `json:"nodeName,omitempty"`
	Allowed   bool                `json:"allowed"`
	Outcome   Outcome             `json:"outcome"`
	Reason    string              `json:"reason,omitempty"`
	Code      string              `json:"code,omitempty"`
	Check     *CompatibilityCheck `json:"compatibilityCheck,omitempty"`
	DecidedAt time.Time           `json:"decidedAt"`
}

// GuardStats aggregates the decision log.
type GuardStats struct {
	Total        int            `json:"total"`
	Allowed      int            `json:"allowed"`
	Blocked      int            `json:"blocked"`
	Errors       int            `json:"errors"`
	SuccessRate  float64        `json:"successRate"`
	RecentBlocks []SyncDecision `json:"recentBlocks"`
}

// ReasonSummary groups recurring blocks by reason code.
type ReasonSummary struct {
	Code    string   `json:"code"`
	Count   int      `json:"count"`
	Example string   `json:"example"`
	Nodes   []string `json:"nodes"`
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Checker  Checker
	Capacity int
	Logger   zerolog.Logger
	Now      func() time.Time
}

const recentBlockLimit = 10

// Guard vetoes sync with schema-incompatible nodes and records every decision.
type Guard struct {
	checker Checker
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex
	log      []SyncDecision
	next     int
	full     bool
	total    int
	allowed  int
	blocked  int
	failures int

	// Decisions receives every decision as it is made.
	Decisions events.Topic[SyncDecision]
}

// NewGuard creates a Guard.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Guard{
		checker: cfg.Checker,
		logger:  cfg.Logger.With().Str("component", "compat_guard").Logger(),
		now:     cfg.Now,
		log:     make([]SyncDecision, cfg.Capacity),
	}
}

// IsSyncAllowed decides whether replication with remote may proceed. Any
// failure of the underlying check blocks the attempt with OutcomeError.
func (g *Guard) IsSyncAllowed(remote RemoteNode) (decision SyncDecision) {
	decision = SyncDecision{NodeID: remote.NodeID, NodeName: remote.NodeName}

	defer func() {
		if r := recover(); r != nil {
			decision.Allowed = false
			decision.Outcome = OutcomeError
			decision.Reason = fmt.Sprintf("compatibility check panicked: %v", r)
			decision.Check = nil
		}
		g.record(&decision)
	}()

	if g.checker == nil {
		decision.Outcome = OutcomeError
		decision.Reason = "no compatibility checker configured"
		return decision
	}

	check, err := g.checker.CheckCompatibility(remote)
	if err != nil {
		decision.Outcome = OutcomeError
		decision.Reason = err.Error()
		return decision
	}

	decision.Check = &check
	decision.Code = check.Code
	decision.Allowed = check.Compatible
	if check.Compatible {
		decision.Outcome = OutcomeAllowed
		decision.Reason = check.Warning
	} else {
		decision.Outcome = OutcomeBlocked
		decision.Reason = check.Reason
	}
	return decision
}

// IsSyncAllowedRaw normalizes a JSON encoded remote node description and
// applies IsSyncAllowed. Undecodable input is an error outcome.
func (g *Guard) IsSyncAllowedRaw(raw []byte) SyncDecision {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		d := SyncDecision{Outcome: OutcomeError, Reason: fmt.Sprintf("decode remote node: %v", err)}
		g.record(&d)
		return d
	}
	remote, err := NormalizeRemoteNode(fields)
	if err != nil {
		d := SyncDecision{Outcome: OutcomeError, Reason: err.Error()}
		g.record(&d)
		return d
	}
	return g.IsSyncAllowed(remote)
}

func (g *Guard) record(d *SyncDecision) {
	d.DecidedAt = g.now()

	g.mu.Lock()
	g.log[g.next] = *d
	g.next = (g.next + 1) % len(g.log)
	if g.next == 0 {
		g.full = true
	}
	g.total++
	switch d.Outcome {
	case OutcomeAllowed:
		g.allowed++
	case OutcomeBlocked:
		g.blocked++
	default:
		g.failures++
	}
	g.mu.Unlock()

	switch d.Outcome {
	case OutcomeAllowed:
		g.logger.Debug().Str("node_id", d.NodeID).Msg("Sync allowed")
	case OutcomeBlocked:
		g.logger.Warn().Str("node_id", d.NodeID).Str("code", d.Code).Str("reason", d.Reason).Msg("Sync blocked by schema incompatibility")
	default:
		g.logger.Error().Str("node_id", d.NodeID).Str("reason", d.Reason).Msg("Compatibility check failed")
	}

	g.Decisions.Publish(*d)
}

// Recent returns up to limit decisions, oldest first. Zero means all retained.
func (g *Guard) Recent(limit int) []SyncDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recentLocked(limit)
}

func (g *Guard) recentLocked(limit int) []SyncDecision {
	size := g.next
	if g.full {
		size = len(g.log)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]SyncDecision, 0, limit)
	start := g.next - limit
	for i := 0; i < limit; i++ {
		out = append(out, g.log[(start+i+len(g.log))%len(g.log)])
	}
	return out
}

// Stats returns aggregate counts over every decision since start and the
// most recent blocked or failed attempts still in the log.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	stats := GuardStats{
		Total:        g.total,
		Allowed:      g.allowed,
		Blocked:      g.blocked,
		Errors:       g.failures,
		RecentBlocks: []SyncDecision{},
	}
	if g.total > 0 {
		stats.SuccessRate = float64(g.allowed) / float64(g.total)
	}

	retained := g.recentLocked(0)
	for i := len(retained) - 1; i >= 0 && len(stats.RecentBlocks) < recentBlockLimit; i-- {
		if !retained[i].Allowed {
			stats.RecentBlocks = append(stats.RecentBlocks, retained[i])
		}
	}
	return stats
}

// IncompatibilitySummary groups retained non-allowed decisions by reason code,
// most frequent first.
func (g *Guard) IncompatibilitySummary() []ReasonSummary {
	g.mu.Lock()
	retained := g.recentLocked(0)
	g.mu.Unlock()

	byCode := map[string]*ReasonSummary{}
	seen := map[string]map[string]bool{}
	for _, d := range retained {
		if d.Allowed {
			continue
		}
		code := d.Code
		if code == "" {
			code = string(d.Outcome)
		}
		s, ok := byCode[code]
		if !ok {
			s = &ReasonSummary{Code: code, Example: d.Reason}
			byCode[code] = s
			seen[code] = map[string]bool{}
		}
		s.Count++
		if d.NodeID != "" && !seen[code][d.NodeID] {
			seen[code][d.NodeID] = true
			s.Nodes = append(s.Nodes, d.NodeID)
		}
	}

	out := make([]ReasonSummary, 0, len(byCode))
	for _, s := range byCode {
		sort.Strings(s.Nodes)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	return out
}

// NormalizeRemoteNode maps a remote node description using either
// snake_case (wire) or camelCase (internal) keys onto RemoteNode.
func NormalizeRemoteNode(fields map[string]any) (RemoteNode, error) {
	get := func(keys ...string) (any, bool) {
		for _, k := range keys {
			if v, ok := fields[k]; ok && v != nil {
				return v, true
			}
		}
		return nil, false
	}
	str := func(keys ...string) (string, error) {
		v, ok := get(keys...)
		if !ok {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("remote node field %s must be a string", keys[0])
		}
		return strings.TrimSpace(s), nil
	}

	var (
		n   RemoteNode
		err error
	)
	if n.NodeID, err = str("node_id", "nodeId", "id"); err != nil {
		return RemoteNode{}, err
	}
	if n.NodeID == "" {
		return RemoteNode{}, fmt.Errorf("remote node id is required")
	}
	if n.NodeName, err = str("node_name", "nodeName", "name"); err != nil {
		return RemoteNode{}, err
	}
	if n.SchemaVersion, err = str("schema_version", "schemaVersion"); err != nil {
		return RemoteNode{}, err
	}
	if n.SchemaHash, err = str("schema_hash", "schemaHash"); err != nil {
		return RemoteNode{}, err
	}
	n.SchemaHash = strings.ToLower(n.SchemaHash)

	n.IsActive = true
	if v, ok := get("is_active", "isActive"); ok {
		b, ok := v.(bool)
		if !ok {
			return RemoteNode{}, fmt.Errorf("remote node field is_active must be a boolean")
		}
		n.IsActive = b
	}

	if v, ok := get("last_seen", "lastSeen"); ok {
		switch t := v.(type) {
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
				n.LastSeen = parsed
			}
		case float64:
			n.LastSeen = time.UnixMilli(int64(t))
		}
	}
	return n, nil
}
