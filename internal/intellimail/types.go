package intellimail

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Message struct {
	ID          string    `json:"messageId"`
	ThreadID    string    `json:"threadId,omitempty"`
	OwnerID     string    `json:"ownerId"`
	ContentHash string    `json:"contentHash"`
	FetchedAt   time.Time `json:"fetchedAt"`
	RawRef      string    `json:"rawRef,omitempty"`
}

type Content struct {
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// HashContent digests the analysable part of a message. The subject is part
// of the digest because importance scoring reads it.
func HashContent(c Content) string {
	h := sha256.New()
	_, _ = h.Write([]byte(c.Subject))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.Body))
	return hex.EncodeToString(h.Sum(nil))
}

type Stage string

const (
	StageSummarize   Stage = "summarize"
	StageSentiment   Stage = "sentiment"
	StageEntities    Stage = "entities"
	StageCategorize  Stage = "categorize"
	StageImportance  Stage = "importance"
	StageActionItems Stage = "action_items"
)

var DefaultStages = []Stage{
	StageSummarize,
	StageSentiment,
	StageEntities,
	StageCategorize,
	StageImportance,
	StageActionItems,
}

func ParseStage(raw string) (Stage, bool) {
	stage := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range DefaultStages {
		if stage == known {
			return stage, true
		}
	}
	return "", false
}

type StageStatus string

const (
	StagePending     StageStatus = "pending"
	StageDone        StageStatus = "done"
	StageUnavailable StageStatus = "unavailable"
	StageFailed      StageStatus = "failed"
)

func (s StageStatus) Terminal() bool {
	return s == StageDone || s == StageUnavailable || s == StageFailed
}

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

type AnalysisResult struct {
	MessageID       string                `json:"messageId"`
	OwnerID         string                `json:"ownerId"`
	ContentHash     string                `json:"contentHash"`
	Summary         string                `json:"summary,omitempty"`
	Sentiment       Sentiment             `json:"sentiment,omitempty"`
	SentimentScore  float64               `json:"sentimentScore"`
	Categories      []string              `json:"categories,omitempty"`
	Entities        []Entity              `json:"entities,omitempty"`
	Topics          []string              `json:"topics,omitempty"`
	ActionItems     []string              `json:"actionItems,omitempty"`
	ImportanceScore float64               `json:"importanceScore"`
	Stages          map[Stage]StageStatus `json:"stages"`
	ModelVersion    string                `json:"modelVersion"`
	// ComputedAt is when the result first completed. It picks the aggregate
	// bucket and survives replays.
	ComputedAt      time.Time             `json:"computedAt,omitempty"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	Version         int64                 `json:"version"`
}

func NewAnalysisResult(msg Message, modelVersion string, stages []Stage) AnalysisResult {
	result := AnalysisResult{
		MessageID:    msg.ID,
		OwnerID:      msg.OwnerID,
		ContentHash:  msg.ContentHash,
		ModelVersion: modelVersion,
		Stages:       make(map[Stage]StageStatus, len(stages)),
	}
	for _, stage := range stages {
		result.Stages[stage] = StagePending
	}
	return result
}

func (r AnalysisResult) Status(stage Stage) StageStatus {
	if status, ok := r.Stages[stage]; ok {
		return status
	}
	return StagePending
}

// Complete reports whether every tracked stage reached a terminal status.
func (r AnalysisResult) Complete() bool {
	if len(r.Stages) == 0 {
		return false
	}
	for _, status := range r.Stages {
		if !status.Terminal() {
			return false
		}
	}
	return true
}

func (r AnalysisResult) Partial() bool {
	for _, status := range r.Stages {
		if status != StageDone {
			return true
		}
	}
	return false
}

func (r AnalysisResult) FailedStages() []Stage {
	var out []Stage
	for _, stage := range DefaultStages {
		if r.Stages[stage] == StageFailed {
			out = append(out, stage)
		}
	}
	return out
}

func (r AnalysisResult) HighPriority(threshold float64) bool {
	return r.Status(StageImportance) == StageDone && r.ImportanceScore >= threshold
}

func (r AnalysisResult) Clone() AnalysisResult {
	out := r
	out.Categories = append([]string(nil), r.Categories...)
	out.Entities = append([]Entity(nil), r.Entities...)
	out.Topics = append([]string(nil), r.Topics...)
	out.ActionItems = append([]string(nil), r.ActionItems...)
	out.Stages = make(map[Stage]StageStatus, len(r.Stages))
	for stage, status := range r.Stages {
		out.Stages[stage] = status
	}
	return out
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskInFlight  TaskState = "in_flight"
	TaskRetrying  TaskState = "retrying"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Task struct {
	ID             string    `json:"taskId"`
	MessageID      string    `json:"messageId"`
	OwnerID        string    `json:"ownerId"`
	ContentHash    string    `json:"contentHash"`
	Stage          Stage     `json:"stage"`
	State          TaskState `json:"state"`
	AttemptCount   int       `json:"attemptCount"`
	QuotaDeferrals int       `json:"quotaDeferrals"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	AvailableAt    time.Time `json:"availableAt"`
	LeaseToken     string    `json:"leaseToken,omitempty"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Retry describes how a nacked task comes back. A quota deferral or a plain
// requeue hands the attempt back; only a deferral is counted.
type Retry struct {
	After         time.Duration
	Reason        string
	QuotaDeferral bool
	Requeue       bool
}

var taskNamespace = uuid.MustParse("6f1c1a7e-2f4b-4c1e-9a57-0c7d9e3b5a21")

// TaskID is stable for a (message, content hash) pair so enqueueing the same
// version twice lands on the same task.
func TaskID(messageID, contentHash string) string {
	return uuid.NewSHA1(taskNamespace, []byte(messageID+"\x00"+contentHash)).String()
}

func NewTask(msg Message, firstStage Stage) Task {
	return Task{
		ID:          TaskID(msg.ID, msg.ContentHash),
		MessageID:   msg.ID,
		OwnerID:     msg.OwnerID,
		ContentHash: msg.ContentHash,
		Stage:       firstStage,
		State:       TaskPending,
	}
}
