// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommand_Validate(t *testing.T) {
	cases := []struct {
		name    string
		cmd     Command
		wantErr bool
	}{
		{"start ok", Command{Type: CommandStartPipeline, ProjectID: "p1"}, false},
		{"missing project id", Command{Type: CommandStartPipeline}, true},
		{"regenerate scene missing scene", Command{Type: CommandRegenerateScene, ProjectID: "p1"}, true},
		{"regenerate scene ok", Command{Type: CommandRegenerateScene, ProjectID: "p1", SceneID: "s1"}, false},
		{"regenerate frame bad frame type", Command{Type: CommandRegenerateFrame, ProjectID: "p1", SceneID: "s1", FrameType: "middle"}, true},
		{"regenerate frame ok", Command{Type: CommandRegenerateFrame, ProjectID: "p1", SceneID: "s1", FrameType: FrameStart}, false},
		{"resolve intervention bad action", Command{Type: CommandResolveIntervention, ProjectID: "p1", JobID: "j1", Action: "nope"}, true},
		{"resolve intervention ok", Command{Type: CommandResolveIntervention, ProjectID: "p1", JobID: "j1", Action: InterventionRetry}, false},
		{"unknown command", Command{Type: "BOGUS", ProjectID: "p1"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cmd.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobState_IsTerminal(t *testing.T) {
	terminal := []JobState{JobCompleted, JobFatal, JobCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}

	nonTerminal := []JobState{JobCreated, JobDispatched, JobRunning, JobFailed}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), s)
	}
}
