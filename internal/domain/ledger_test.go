// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetHistory_BestVersion(t *testing.T) {
	h := AssetHistory{
		Head: 2,
		Best: 2,
		Versions: []AssetVersion{
			{Version: 1, Type: AssetTypeImage, Data: "v1", CreatedAt: time.Now()},
			{Version: 2, Type: AssetTypeImage, Data: "v2", CreatedAt: time.Now()},
		},
	}

	v, ok := h.BestVersion()
	require.True(t, ok)
	assert.Equal(t, "v2", v.Data)
}

func TestAssetHistory_BestVersion_Empty(t *testing.T) {
	h := AssetHistory{}
	_, ok := h.BestVersion()
	assert.False(t, ok)
}

func TestAssetLedger_ValueAndScanRoundTrip(t *testing.T) {
	l := AssetLedger{
		AssetKeySceneVideo: {
			Head: 1,
			Best: 1,
			Versions: []AssetVersion{
				{Version: 1, Type: AssetTypeVideo, Data: "uri://scene-video-v1"},
			},
		},
	}

	raw, err := l.Value()
	require.NoError(t, err)

	var out AssetLedger
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, l, out)
}

func TestAssetLedger_ScanNil(t *testing.T) {
	var l AssetLedger
	require.NoError(t, l.Scan(nil))
	assert.Empty(t, l)
}
