package intellimail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var stageSchemaSources = map[Stage]string{
	StageSummarize: `{
		"type": "object",
		"required": ["summary"],
		"properties": {"summary": {"type": "string", "minLength": 1}}
	}`,
	StageSentiment: `{
		"type": "object",
		"required": ["score"],
		"properties": {"score": {"type": "number", "minimum": 0, "maximum": 1}}
	}`,
	StageEntities: `{
		"type": "object",
		"required": ["entities"],
		"properties": {
			"entities": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["text", "label"],
					"properties": {
						"text": {"type": "string", "minLength": 1},
						"label": {"type": "string", "minLength": 1}
					}
				}
			},
			"topics": {"type": "array", "items": {"type": "string"}, "maxItems": 8}
		}
	}`,
	StageCategorize: `{
		"type": "object",
		"required": ["categories"],
		"properties": {"categories": {"type": "array", "items": {"type": "string"}}}
	}`,
	StageImportance: `{
		"type": "object",
		"required": ["score"],
		"properties": {"score": {"type": "number", "minimum": 0, "maximum": 1}}
	}`,
	StageActionItems: `{
		"type": "object",
		"required": ["action_items"],
		"properties": {"action_items": {"type": "array", "items": {"type": "string"}}}
	}`,
}

func compileStageSchemas() (map[Stage]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	out := make(map[Stage]*jsonschema.Schema, len(stageSchemaSources))
	for stage, source := range stageSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parsing %s schema: %w", stage, err)
		}
		url := "intellimail://stages/" + string(stage) + ".json"
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("adding %s schema: %w", stage, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compiling %s schema: %w", stage, err)
		}
		out[stage] = schema
	}
	return out, nil
}

type summaryOutput struct {
	Summary string `json:"summary"`
}

type scoreOutput struct {
	Score float64 `json:"score"`
}

type entitiesOutput struct {
	Entities []Entity `json:"entities"`
	Topics   []string `json:"topics"`
}

type categoriesOutput struct {
	Categories []string `json:"categories"`
}

type actionItemsOutput struct {
	ActionItems []string `json:"action_items"`
}

// SentimentThresholds turn a score into a label: above Positive is positive,
// below Negative is negative, anything else is neutral.
type SentimentThresholds struct {
	Positive float64
	Negative float64
}

func DefaultSentimentThresholds() SentimentThresholds {
	return SentimentThresholds{Positive: 0.6, Negative: 0.4}
}

func (t SentimentThresholds) Label(score float64) Sentiment {
	switch {
	case score > t.Positive:
		return SentimentPositive
	case score < t.Negative:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

const uncategorized = "Uncategorized"

var DefaultCategories = []string{
	"Urgent",
	"Action Required",
	"Meeting",
	"Information",
	"Project Update",
	"External Client",
	"Internal Team",
	"Personal",
	"Marketing",
	"Sales",
	"HR",
	"Finance",
	"Technical",
}

// stageDecoder validates capability output and folds it into a result.
type stageDecoder struct {
	schemas    map[Stage]*jsonschema.Schema
	thresholds SentimentThresholds
	categories map[string]string
}

func newStageDecoder(thresholds SentimentThresholds, categories []string) (*stageDecoder, error) {
	schemas, err := compileStageSchemas()
	if err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	known := make(map[string]string, len(categories))
	for _, category := range categories {
		category = strings.TrimSpace(category)
		if category != "" {
			known[strings.ToLower(category)] = category
		}
	}
	return &stageDecoder{schemas: schemas, thresholds: thresholds, categories: known}, nil
}

func (d *stageDecoder) validate(stage Stage, payload []byte) error {
	schema, ok := d.schemas[stage]
	if !ok {
		return fmt.Errorf("%w: no schema for stage %s", ErrInvalidInput, stage)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// apply writes the stage fields of a validated payload into result.
func (d *stageDecoder) apply(result *AnalysisResult, stage Stage, payload []byte) error {
	switch stage {
	case StageSummarize:
		var out summaryOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.Summary = strings.TrimSpace(out.Summary)
	case StageSentiment:
		var out scoreOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.SentimentScore = out.Score
		result.Sentiment = d.thresholds.Label(out.Score)
	case StageEntities:
		var out entitiesOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.Entities = out.Entities
		result.Topics = out.Topics
	case StageCategorize:
		var out categoriesOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.Categories = d.filterCategories(out.Categories)
	case StageImportance:
		var out scoreOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.ImportanceScore = out.Score
	case StageActionItems:
		var out actionItemsOutput
		if err := json.Unmarshal(payload, &out); err != nil {
			return err
		}
		result.ActionItems = out.ActionItems
	default:
		return fmt.Errorf("%w: unknown stage %s", ErrInvalidInput, stage)
	}
	return nil
}

func (d *stageDecoder) filterCategories(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, category := range raw {
		canonical, ok := d.categories[strings.ToLower(strings.TrimSpace(category))]
		if !ok || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
	}
	if len(out) == 0 {
		return []string{uncategorized}
	}
	return out
}

// emptyContentPayload is what a stage resolves to for a message without a
// body. No capability call is made.
func emptyContentPayload(stage Stage) []byte {
	switch stage {
	case StageSummarize:
		return []byte(`{"summary":"No content to analyze"}`)
	case StageSentiment:
		return []byte(`{"score":0.5}`)
	case StageEntities:
		return []byte(`{"entities":[],"topics":[]}`)
	case StageCategorize:
		return []byte(`{"categories":[]}`)
	case StageImportance:
		return []byte(`{"score":0}`)
	default:
		return []byte(`{"action_items":[]}`)
	}
}
