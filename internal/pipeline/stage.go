package pipeline

import (
	"bytes"
	"os"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
)

// Stage is one enrichment pass. Prompt is a text/template rendered against
// promptData; the rendered output becomes the user message of a completion
// request against Service.
type Stage struct {
	Name         string   `yaml:"name"`
	Service      string   `yaml:"service"`
	Priority     int      `yaml:"priority"`
	Required     bool     `yaml:"required"`
	EnableSearch bool     `yaml:"enable_search"`
	System       string   `yaml:"system"`
	Prompt       string   `yaml:"prompt"`
	MaxTokens    int      `yaml:"max_tokens"`
	TargetFields []string `yaml:"target_fields"`

	// GateIdentifier marks the stage whose output must carry a
	// checksum-valid organization number before the run may continue.
	GateIdentifier bool `yaml:"gate_identifier"`
}

type promptData struct {
	Name      string
	OrgNumber string
	Website   string
	Fields    map[string]string
}

// buildRequest renders the stage prompt against the current profile state.
func (s Stage) buildRequest(p *model.Profile) (provider.CompletionRequest, error) {
	tmpl, err := template.New(s.Name).Parse(s.Prompt)
	if err != nil {
		return provider.CompletionRequest{}, eris.Wrapf(err, "pipeline: parse prompt template for stage %s", s.Name)
	}

	data := promptData{
		Name:      p.Identity.DisplayName,
		OrgNumber: p.Identity.RegistrationNumber,
		Website:   p.Field(model.FieldWebsite),
		Fields:    p.Fields,
	}
	if v := p.Field(model.FieldLegalName); model.Populated(v) {
		data.Name = v
	}
	if v := p.Field(model.FieldOrgNumber); model.Populated(v) {
		data.OrgNumber = v
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return provider.CompletionRequest{}, eris.Wrapf(err, "pipeline: render prompt for stage %s", s.Name)
	}

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return provider.CompletionRequest{
		System:       s.System,
		User:         buf.String(),
		MaxTokens:    maxTokens,
		EnableSearch: s.EnableSearch,
	}, nil
}

type stageSetFile struct {
	StageSets map[string][]Stage `yaml:"stage_sets"`
}

// LoadStageSets reads named stage sets from a YAML file.
func LoadStageSets(path string) (map[string][]Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: read stage sets %s", path)
	}
	var f stageSetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse stage sets %s", path)
	}
	for name, stages := range f.StageSets {
		if err := ValidateStages(stages); err != nil {
			return nil, eris.Wrapf(err, "pipeline: stage set %s", name)
		}
	}
	return f.StageSets, nil
}

// ValidateStages checks the structural rules every stage set must satisfy:
// at least one stage, the first stage required, unique names, and a named
// service on every stage.
func ValidateStages(stages []Stage) error {
	if len(stages) == 0 {
		return eris.New("pipeline: empty stage set")
	}
	if !stages[0].Required {
		return eris.Errorf("pipeline: first stage %s must be required", stages[0].Name)
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return eris.New("pipeline: stage with empty name")
		}
		if seen[s.Name] {
			return eris.Errorf("pipeline: duplicate stage name %s", s.Name)
		}
		seen[s.Name] = true
		if s.Service == "" {
			return eris.Errorf("pipeline: stage %s names no service", s.Name)
		}
	}
	return nil
}

const payloadContract = `Respond with a single JSON object and nothing else:
{"fields": {"<field key>": "<value>"}, "relations": {"<relation>": ["<name>"]}, "insights": ["<short finding>"], "links": [{"title": "", "url": "", "domain": ""}]}
Use the value "UNKNOWN" for any requested field you cannot establish from a
reliable source. Never guess identifiers.`

// DefaultStages is the built-in stage set used when no stages.yaml overrides
// it. Stage one discovers and validates the legal identity; later stages are
// best-effort.
func DefaultStages() []Stage {
	return []Stage{
		{
			Name:           "identity",
			Service:        "anthropic",
			Priority:       10,
			Required:       true,
			GateIdentifier: true,
			EnableSearch:   true,
			System:         "You are a company registry researcher. " + payloadContract,
			Prompt: `Identify the company "{{.Name}}"{{if .OrgNumber}} (registration number {{.OrgNumber}}){{end}}.
Establish: ` + model.FieldLegalName + `, ` + model.FieldOrgNumber + `, ` + model.FieldWebsite + `, ` + model.FieldIndustry + `.
The registration number must be the real ten-digit organization number from an official registry, formatted NNNNNN-NNNN.`,
			TargetFields: []string{model.FieldLegalName, model.FieldOrgNumber, model.FieldWebsite, model.FieldIndustry},
		},
		{
			Name:         "registry",
			Service:      "anthropic",
			Priority:     8,
			EnableSearch: true,
			System:       "You are a company registry researcher. " + payloadContract,
			Prompt: `For {{.Name}} (org number {{.OrgNumber}}), find the registered address:
` + model.FieldStreet + `, ` + model.FieldPostalCode + `, ` + model.FieldCity + `, ` + model.FieldCountry + `.`,
			TargetFields: []string{model.FieldStreet, model.FieldPostalCode, model.FieldCity, model.FieldCountry},
		},
		{
			Name:         "financials",
			Service:      "anthropic",
			Priority:     6,
			EnableSearch: true,
			System:       "You are a financial analyst. " + payloadContract,
			Prompt: `For {{.Name}} (org number {{.OrgNumber}}), find the latest filed annual figures:
` + model.FieldRevenue + `, ` + model.FieldEmployees + `, ` + model.FieldFiscalYear + `, ` + model.FieldCreditNotes + `.
State amounts with currency and the fiscal year they belong to.`,
			TargetFields: []string{model.FieldRevenue, model.FieldEmployees, model.FieldFiscalYear, model.FieldCreditNotes},
		},
		{
			Name:         "relationships",
			Service:      "anthropic",
			Priority:     4,
			EnableSearch: true,
			System:       "You are a corporate governance researcher. " + payloadContract,
			Prompt: `For {{.Name}} (org number {{.OrgNumber}}), list the board members, owners,
and subsidiaries under the relations keys "` + model.RelationBoard + `", "` + model.RelationOwners + `", "` + model.RelationSubsidiaries + `".`,
		},
		{
			Name:         "news",
			Service:      "perplexity",
			Priority:     2,
			EnableSearch: true,
			System:       "You are a market researcher. " + payloadContract,
			Prompt: `Summarize recent noteworthy developments for {{.Name}}{{if .Website}} ({{.Website}}){{end}}
as short insight strings. Include source links for every insight.`,
		},
	}
}
