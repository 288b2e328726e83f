// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AssetType enumerates the kinds of payload a version can hold.
type AssetType string

const (
	AssetTypeText  AssetType = "text"
	AssetTypeImage AssetType = "image"
	AssetTypeVideo AssetType = "video"
	AssetTypeJSON  AssetType = "json"
)

// Well-known asset keys used by the pipeline stages.
const (
	AssetKeyCharacterImage  = "character_image"
	AssetKeySceneStartFrame = "scene_start_frame"
	AssetKeySceneEndFrame   = "scene_end_frame"
	AssetKeySceneVideo      = "scene_video"
	AssetKeyRenderVideo     = "render_video"
	AssetKeyStoryboard      = "storyboard"
	AssetKeyScenePrompt     = "scene_prompt"
	AssetKeyAudioAnalysis   = "audio_analysis"
)

// VersionMetadata is merge-only metadata attached to a version; Data and
// Type may never be altered once a version is appended.
type VersionMetadata struct {
	JobID      string `json:"jobId,omitempty"`
	Model      string `json:"model,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	Evaluation string `json:"evaluation,omitempty"`
}

// AssetVersion is one immutable, append-only entry in a history.
type AssetVersion struct {
	Version   int             `json:"version"`
	Type      AssetType       `json:"type"`
	Data      string          `json:"data"`
	Metadata  VersionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AssetHistory is the per-(entity, assetKey) version chain plus the "best" pointer.
// Invariants: head >= best >= 0; best == 0 iff len(Versions) == 0;
// Versions[i].Version == i+1; Versions is append-only.
type AssetHistory struct {
	Head     int            `json:"head"`
	Best     int            `json:"best"`
	Versions []AssetVersion `json:"versions"`
}

// BestVersion returns the currently active version, or false if best == 0.
func (h AssetHistory) BestVersion() (AssetVersion, bool) {
	if h.Best <= 0 || h.Best > len(h.Versions) {
		return AssetVersion{}, false
	}
	return h.Versions[h.Best-1], true
}

// AssetLedger is the full set of asset histories for one owning entity,
// keyed by assetKey. Stored as a single JSON(B) column on the owning row.
type AssetLedger map[string]AssetHistory

// Value implements driver.Valuer so an AssetLedger can be written directly
// to a JSON/JSONB column.
func (l AssetLedger) Value() (driver.Value, error) {
	if l == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner so an AssetLedger can be read directly from
// a JSON/JSONB column.
func (l *AssetLedger) Scan(src any) error {
	if src == nil {
		*l = AssetLedger{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain: unsupported AssetLedger scan source %T", src)
	}
	if len(raw) == 0 {
		*l = AssetLedger{}
		return nil
	}
	var out AssetLedger
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("domain: unmarshal asset ledger: %w", err)
	}
	*l = out
	return nil
}
