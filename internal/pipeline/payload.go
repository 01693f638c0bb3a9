package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// stagePayload is the JSON object every stage prompt asks the provider to
// return.
type stagePayload struct {
	Fields    map[string]string   `json:"fields"`
	Relations map[string][]string `json:"relations"`
	Insights  []string            `json:"insights"`
	Links     []model.SourceLink  `json:"links"`
}

// parseStagePayload extracts the payload object from raw model output.
func parseStagePayload(text string) (*stagePayload, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("pipeline: empty stage response")
	}
	var payload stagePayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse stage response")
	}
	return &payload, nil
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	// Strip markdown code fences.
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	// Find first { and last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return strings.TrimSpace(text[start : end+1])
	}
	return ""
}

// apply merges a stage payload into the profile under merge precedence:
// populated fields are never overwritten by empty or sentinel values.
func (pl *stagePayload) apply(p *model.Profile, sources []model.SourceLink) {
	for key, value := range pl.Fields {
		p.SetField(key, strings.TrimSpace(value))
	}
	for relation, names := range pl.Relations {
		p.AddRelations(relation, names)
	}
	for _, insight := range pl.Insights {
		if s := strings.TrimSpace(insight); s != "" {
			p.AddInsight(s)
		}
	}
	p.AddLinks(pl.Links)
	p.AddLinks(sources)
}
