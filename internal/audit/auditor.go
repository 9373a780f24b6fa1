// Package audit generates cryptographically signed episode manifests.
//
// A manifest is the tamper-evident record of a finished rollout episode
// that can be exported to release-management tooling outside the cluster.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/softcane/canary-pilot/internal/controller"
)

// EpisodeManifest is the signed proof of what the pilot did to a release.
type EpisodeManifest struct {
	ClusterID   string    `json:"cluster_id"`
	EpisodeID   string    `json:"episode_id"`
	Release     string    `json:"release"`
	Outcome     string    `json:"outcome"`
	Steps       int       `json:"steps"`
	FinalWeight int       `json:"final_weight"`
	TotalReward float64   `json:"total_reward"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Signature   string    `json:"signature"`
}

// Config for the Auditor
type Config struct {
	SecretKey string // HMAC key for signing manifests
	ClusterID string // Unique cluster identifier
}

// Auditor generates signed episode manifests
type Auditor struct {
	config Config
}

// NewAuditor creates a new Auditor
func NewAuditor(config Config) (*Auditor, error) {
	if config.SecretKey == "" {
		return nil, fmt.Errorf("audit secret key is required")
	}
	if config.ClusterID == "" {
		return nil, fmt.Errorf("audit cluster id is required")
	}
	return &Auditor{config: config}, nil
}

// GenerateManifest creates a signed manifest for a finished episode
func (a *Auditor) GenerateManifest(result controller.Result) (*EpisodeManifest, error) {
	if !result.Outcome.Terminal() {
		return nil, fmt.Errorf("episode %s has not finished: %s", result.ID, result.Outcome)
	}

	manifest := &EpisodeManifest{
		ClusterID:   a.config.ClusterID,
		EpisodeID:   result.ID.String(),
		Release:     result.Release,
		Outcome:     string(result.Outcome),
		Steps:       result.Steps,
		FinalWeight: result.FinalWeight,
		TotalReward: result.TotalReward,
		StartTime:   result.StartedAt,
		EndTime:     result.FinishedAt,
	}

	// Sign the manifest for integrity
	manifest.Signature = a.signManifest(manifest)

	return manifest, nil
}

// signManifest creates HMAC-SHA256 signature
func (a *Auditor) signManifest(m *EpisodeManifest) string {
	// Create deterministic payload
	payload := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%.6f|%s",
		m.ClusterID,
		m.EpisodeID,
		m.Release,
		m.Outcome,
		m.Steps,
		m.FinalWeight,
		m.TotalReward,
		m.StartTime.UTC().Format(time.RFC3339),
	)

	h := hmac.New(sha256.New, []byte(a.config.SecretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyManifest checks if a manifest signature is valid
func (a *Auditor) VerifyManifest(m *EpisodeManifest) bool {
	expected := a.signManifest(m)
	return hmac.Equal([]byte(expected), []byte(m.Signature))
}

// ToJSON serializes the manifest to indented JSON, the form the status
// command emits and external verifiers consume.
func (m *EpisodeManifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
