package intellimail

import (
	"context"
	"errors"
	"time"
)

const maxMergeAttempts = 5

// MergeResult folds the stages listed in computed from ours into latest. A
// stage that latest already has done is left alone. Version is taken from
// latest. ComputedAt is set once the merged result completes and never moves
// after that.
func MergeResult(latest, ours AnalysisResult, computed []Stage) AnalysisResult {
	out := latest.Clone()
	if out.Stages == nil {
		out.Stages = map[Stage]StageStatus{}
	}
	for stage := range ours.Stages {
		if _, ok := out.Stages[stage]; !ok {
			out.Stages[stage] = StagePending
		}
	}
	for _, stage := range computed {
		if out.Stages[stage] == StageDone {
			continue
		}
		out.Stages[stage] = ours.Status(stage)
		copyStageFields(&out, ours, stage)
	}
	if out.ModelVersion == "" {
		out.ModelVersion = ours.ModelVersion
	}
	if out.Complete() && out.ComputedAt.IsZero() {
		out.ComputedAt = ours.ComputedAt
		if out.ComputedAt.IsZero() {
			out.ComputedAt = time.Now().UTC()
		}
	}
	out.Version = latest.Version
	return out
}

func copyStageFields(dst *AnalysisResult, src AnalysisResult, stage Stage) {
	switch stage {
	case StageSummarize:
		dst.Summary = src.Summary
	case StageSentiment:
		dst.Sentiment = src.Sentiment
		dst.SentimentScore = src.SentimentScore
	case StageEntities:
		dst.Entities = append([]Entity(nil), src.Entities...)
		dst.Topics = append([]string(nil), src.Topics...)
	case StageCategorize:
		dst.Categories = append([]string(nil), src.Categories...)
	case StageImportance:
		dst.ImportanceScore = src.ImportanceScore
	case StageActionItems:
		dst.ActionItems = append([]string(nil), src.ActionItems...)
	}
}

// WriteResult stores ours on top of the version it was derived from. On a
// version conflict it re-reads and merges only the computed stages, up to
// maxMergeAttempts times.
func WriteResult(ctx context.Context, store ResultStore, baseVersion int64, ours AnalysisResult, computed []Stage) (AnalysisResult, error) {
	candidate := ours
	expected := baseVersion
	var err error
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		var stored AnalysisResult
		stored, err = store.UpsertResult(ctx, candidate, expected)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return AnalysisResult{}, err
		}
		latest, getErr := store.GetResult(ctx, ours.MessageID, ours.ContentHash)
		if getErr != nil {
			if errors.Is(getErr, ErrNotFound) {
				candidate, expected = ours, 0
				continue
			}
			return AnalysisResult{}, getErr
		}
		candidate = MergeResult(latest, ours, computed)
		expected = latest.Version
	}
	return AnalysisResult{}, err
}
