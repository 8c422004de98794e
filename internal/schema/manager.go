// Package schema fingerprints the local store schema and decides whether a
// remote node is safe to replicate with.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultVersion is used when neither a migrations ledger nor an override is available.
const DefaultVersion = "1.0.0"

var ErrNotInitialized = errors.New("schema: version manager not initialized")

// Level classifies schema compatibility between two nodes.
type Level string

const (
	LevelIdentical    Level = "IDENTICAL"
	LevelCompatible   Level = "COMPATIBLE"
	LevelIncompatible Level = "INCOMPATIBLE"
)

// Reason codes carried in CompatibilityCheck.Code
const (
	CodeIdenticalHash       = "identical_hash"
	CodeSameVersionDiverged = "same_version_hash_mismatch"
	CodeSameMajor           = "same_major_version"
	CodeMajorMismatch       = "major_version_mismatch"
	CodeUnknownRemote       = "remote_schema_unknown"
	CodeInvalidVersion      = "invalid_version"
)

// Policy decides how a same-version, different-hash pair is treated.
type Policy string

const (
	// PolicyStrict treats diverged hashes under one version as incompatible.
	PolicyStrict Policy = "strict"
	// PolicyWarn allows sync but reports the divergence.
	PolicyWarn Policy = "warn"
)

// SchemaVersion describes the local schema.
type SchemaVersion struct {
	Version       string     `json:"version"`
	Hash          string     `json:"hash"`
	MigrationName string     `json:"migrationName,omitempty"`
	AppliedAt     *time.Time `json:"appliedAt,omitempty"`
}

// Migration is one applied migration in ledger order.
type Migration struct {
	Name      string
	AppliedAt time.Time
}

// MigrationLedger lists applied migrations, oldest first.
type MigrationLedger interface {
	AppliedMigrations(ctx context.Context) ([]Migration, error)
}

// NodeStore is where schema information about nodes is published and read.
type NodeStore interface {
	PublishSchema(ctx context.Context, nodeID string, v SchemaVersion) error
	ActiveNodes(ctx context.Context) ([]RemoteNode, error)
}

// RemoteNode is the canonical view of another node used for compatibility decisions.
type RemoteNode struct {
	NodeID        string    `json:"nodeId"`
	NodeName      string    `json:"nodeName,omitempty"`
	SchemaVersion string    `json:"schemaVersion,omitempty"`
	SchemaHash    string    `json:"schemaHash,omitempty"`
	IsActive      bool      `json:"isActive"`
	LastSeen      time.Time `json:"lastSeen,omitempty"`
}

// CompatibilityCheck is the result of comparing a remote node with the local schema.
type CompatibilityCheck struct {
	NodeID        string `json:"nodeId"`
	Compatible    bool   `json:"isCompatible"`
	Level         Level  `json:"compatibilityLevel"`
	Code          string `json:"code"`
	LocalVersion  string `json:"localVersion"`
	RemoteVersion string `json:"remoteVersion"`
	LocalHash     string `json:"localHash"`
	RemoteHash    string `json:"remoteHash"`
	Reason        string `json:"reason,omitempty"`
	Warning       string `json:"warning,omitempty"`
}

// CompatibilityReport classifies every known active node.
type CompatibilityReport struct {
	Local        SchemaVersion        `json:"local"`
	Total        int                  `json:"total"`
	Compatible   int                  `json:"compatible"`
	Incompatible int                  `json:"incompatible"`
	Nodes        []CompatibilityCheck `json:"nodes"`
	GeneratedAt  time.Time            `json:"generatedAt"`
}

// ManagerConfig configures a VersionManager.
type ManagerConfig struct {
	NodeID          string
	Source          Source
	Ledger          MigrationLedger
	Nodes           NodeStore
	VersionOverride string
	Policy          Policy
	Logger          zerolog.Logger
	Now             func() time.Time
}

// VersionManager computes and publishes the local schema fingerprint.
type VersionManager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu      sync.RWMutex
	current *SchemaVersion
}

// NewVersionManager creates a VersionManager.
func NewVersionManager(cfg ManagerConfig) *VersionManager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyStrict
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &VersionManager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "schema").Logger(),
	}
}

// Initialize computes the schema hash and version and publishes them to
// this node's own record.
func (m *VersionManager) Initialize(ctx context.Context) (SchemaVersion, error) {
	if m.cfg.Source == nil {
		return SchemaVersion{}, fmt.Errorf("schema: no source configured")
	}

	text, err := m.cfg.Source.CanonicalSchema(ctx)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("load canonical schema: %w", err)
	}

	v := SchemaVersion{Hash: Hash(text)}
	if err := m.resolveVersion(ctx, &v); err != nil {
		return SchemaVersion{}, err
	}

	m.mu.Lock()
	m.current = &v
	m.mu.Unlock()

	if m.cfg.Nodes != nil {
		if err := m.cfg.Nodes.PublishSchema(ctx, m.cfg.NodeID, v); err != nil {
			return v, fmt.Errorf("publish schema version: %w", err)
		}
	}

	m.logger.Info().
		Str("version", v.Version).
		Str("hash", v.Hash).
		Str("migration", v.MigrationName).
		Msg("Schema version initialized")
	return v, nil
}

func (m *VersionManager) resolveVersion(ctx context.Context, v *SchemaVersion) error {
	if m.cfg.Ledger != nil {
		migrations, err := m.cfg.Ledger.AppliedMigrations(ctx)
		if err != nil {
			return fmt.Errorf("read migrations ledger: %w", err)
		}
		names := make([]string, len(migrations))
		for i, mig := range migrations {
			names[i] = mig.Name
		}
		if version, latest, ok := VersionFromMigrations(names); ok {
			applied := migrations[len(migrations)-1].AppliedAt
			v.Version = version
			v.MigrationName = latest
			v.AppliedAt = &applied
			return nil
		}
	}

	if m.cfg.VersionOverride != "" {
		parsed, err := ParseVersion(m.cfg.VersionOverride)
		if err != nil {
			return err
		}
		v.Version = parsed.String()
		return nil
	}

	v.Version = DefaultVersion
	return nil
}

// Current returns the local schema version once Initialize has succeeded.
func (m *VersionManager) Current() (SchemaVersion, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return SchemaVersion{}, false
	}
	return *m.current, true
}

// CheckCompatibility applies, in order: identical hash, same version with a
// different hash, same major version, anything else.
func (m *VersionManager) CheckCompatibility(remote RemoteNode) (CompatibilityCheck, error) {
	local, ok := m.Current()
	if !ok {
		return CompatibilityCheck{}, ErrNotInitialized
	}
	return Compare(local, remote, m.cfg.Policy), nil
}

// Compare classifies remote against local under policy.
func Compare(local SchemaVersion, remote RemoteNode, policy Policy) CompatibilityCheck {
	check := CompatibilityCheck{
		NodeID:        remote.NodeID,
		LocalVersion:  local.Version,
		RemoteVersion: remote.SchemaVersion,
		LocalHash:     local.Hash,
		RemoteHash:    remote.SchemaHash,
	}

	incompatible := func(code, reason string) CompatibilityCheck {
		check.Level, check.Code, check.Reason = LevelIncompatible, code, reason
		return check
	}

	if remote.SchemaHash == "" && remote.SchemaVersion == "" {
		return incompatible(CodeUnknownRemote, "remote node did not publish schema information")
	}

	if remote.SchemaHash != "" && remote.SchemaHash == local.Hash {
		check.Compatible, check.Level, check.Code = true, LevelIdentical, CodeIdenticalHash
		return check
	}

	lv, lerr := ParseVersion(local.Version)
	rv, rerr := ParseVersion(remote.SchemaVersion)

	if remote.SchemaVersion == local.Version || (lerr == nil && rerr == nil && lv == rv) {
		if policy == PolicyWarn {
			check.Compatible, check.Level, check.Code = true, LevelCompatible, CodeSameVersionDiverged
			check.Warning = fmt.Sprintf("schema %s has diverged between nodes", local.Version)
			return check
		}
		return incompatible(CodeSameVersionDiverged,
			fmt.Sprintf("schema %s has the same version but a different hash", local.Version))
	}

	if lerr != nil {
		return incompatible(CodeInvalidVersion, lerr.Error())
	}
	if rerr != nil {
		return incompatible(CodeInvalidVersion, rerr.Error())
	}

	if lv.Major == rv.Major {
		check.Compatible, check.Level, check.Code = true, LevelCompatible, CodeSameMajor
		return check
	}
	return incompatible(CodeMajorMismatch,
		fmt.Sprintf("major version %d differs from remote %d", lv.Major, rv.Major))
}

// GetCompatibilityReport classifies every active node except this one.
func (m *VersionManager) GetCompatibilityReport(ctx context.Context) (*CompatibilityReport, error) {
	local, ok := m.Current()
	if !ok {
		return nil, ErrNotInitialized
	}
	if m.cfg.Nodes == nil {
		return &CompatibilityReport{Local: local, GeneratedAt: m.cfg.Now()}, nil
	}

	nodes, err := m.cfg.Nodes.ActiveNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	report := &CompatibilityReport{Local: local, GeneratedAt: m.cfg.Now(), Nodes: []CompatibilityCheck{}}
	for _, n := range nodes {
		if n.NodeID == m.cfg.NodeID {
			continue
		}
		check := Compare(local, n, m.cfg.Policy)
		report.Nodes = append(report.Nodes, check)
		report.Total++
		if check.Compatible {
			report.Compatible++
		} else {
			report.Incompatible++
		}
	}
	return report, nil
}
