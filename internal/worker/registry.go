// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"context"

	"github.com/ManuGH/reelctl/internal/domain"
)

// unimplementedAgent is the default Agent for a job type with no concrete
// generation backend wired in yet. Model selection and prompt engineering
// are out of scope here; swap this entry in the Registry for a real Agent
// once a backend is chosen.
type unimplementedAgent struct {
	jobType domain.JobType
}

func (a unimplementedAgent) Run(ctx context.Context, payload domain.JobPayload) (Result, error) {
	return Result{}, domain.ErrValidationf("no agent backend wired for job type %s", a.jobType)
}

// NewUnimplementedRegistry returns a Registry covering every known JobType
// with a placeholder Agent, so a freshly wired worker fails loudly and
// specifically (FATAL, naming the job type) instead of panicking on a
// missing map entry. Callers replace individual entries as real agents
// become available.
func NewUnimplementedRegistry() Registry {
	types := []domain.JobType{
		domain.JobExpandCreativePrompt,
		domain.JobGenerateStoryboard,
		domain.JobProcessAudioToScenes,
		domain.JobEnhanceStoryboard,
		domain.JobSemanticAnalysis,
		domain.JobGenerateCharacterAssets,
		domain.JobGenerateLocationAssets,
		domain.JobGenerateSceneFrames,
		domain.JobGenerateSceneVideo,
		domain.JobRenderVideo,
		domain.JobFrameRender,
	}
	reg := make(Registry, len(types))
	for _, t := range types {
		reg[t] = unimplementedAgent{jobType: t}
	}
	return reg
}
