package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/enrich-cli/internal/model"
)

func TestStage_BuildRequestRendersProfileState(t *testing.T) {
	p := model.NewProfile("run", model.Identity{DisplayName: "Acme AB", RegistrationNumber: "556793-5183"})
	p.SetField(model.FieldWebsite, "https://acme.se")

	st := Stage{
		Name:         "probe",
		Service:      "anthropic",
		System:       "sys",
		EnableSearch: true,
		Prompt:       "Company {{.Name}} ({{.OrgNumber}}) at {{.Website}}",
	}
	req, err := st.buildRequest(p)
	require.NoError(t, err)

	assert.Equal(t, "sys", req.System)
	assert.Equal(t, "Company Acme AB (556793-5183) at https://acme.se", req.User)
	assert.True(t, req.EnableSearch)
	assert.Equal(t, 2048, req.MaxTokens)
}

func TestStage_BuildRequestPrefersDiscoveredIdentity(t *testing.T) {
	p := model.NewProfile("run", model.Identity{DisplayName: "acme"})
	p.SetField(model.FieldLegalName, "Acme Aktiebolag")
	p.SetField(model.FieldOrgNumber, "556793-5183")

	st := Stage{Name: "probe", Service: "anthropic", Prompt: "{{.Name}} / {{.OrgNumber}}"}
	req, err := st.buildRequest(p)
	require.NoError(t, err)
	assert.Equal(t, "Acme Aktiebolag / 556793-5183", req.User)
}

func TestStage_BuildRequestRejectsBrokenTemplate(t *testing.T) {
	st := Stage{Name: "broken", Service: "anthropic", Prompt: "{{.Name"}
	_, err := st.buildRequest(model.NewProfile("run", model.Identity{DisplayName: "X"}))
	require.Error(t, err)
}

func TestValidateStages(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		wantErr bool
	}{
		{"valid", []Stage{
			{Name: "identity", Service: "anthropic", Required: true},
			{Name: "news", Service: "perplexity"},
		}, false},
		{"empty set", nil, true},
		{"first not required", []Stage{{Name: "identity", Service: "anthropic"}}, true},
		{"duplicate names", []Stage{
			{Name: "identity", Service: "anthropic", Required: true},
			{Name: "identity", Service: "perplexity"},
		}, true},
		{"missing service", []Stage{{Name: "identity", Required: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStages(tt.stages)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadStageSets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stage_sets:
  quick:
    - name: identity
      service: anthropic
      priority: 10
      required: true
      gate_identifier: true
      enable_search: true
      prompt: "Identify {{.Name}}"
    - name: news
      service: perplexity
      priority: 2
      prompt: "News for {{.Name}}"
`), 0o644))

	sets, err := LoadStageSets(path)
	require.NoError(t, err)
	require.Contains(t, sets, "quick")

	quick := sets["quick"]
	require.Len(t, quick, 2)
	assert.True(t, quick[0].Required)
	assert.True(t, quick[0].GateIdentifier)
	assert.Equal(t, "perplexity", quick[1].Service)
	assert.Equal(t, 2, quick[1].Priority)
}

func TestLoadStageSets_RejectsInvalidSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stage_sets:
  broken:
    - name: news
      service: perplexity
`), 0o644))

	_, err := LoadStageSets(path)
	require.Error(t, err)
}

func TestDefaultStagesValidate(t *testing.T) {
	require.NoError(t, ValidateStages(DefaultStages()))
	assert.True(t, DefaultStages()[0].GateIdentifier)
}

func TestParseStagePayload(t *testing.T) {
	payload, err := parseStagePayload("```json\n{\"fields\": {\"a\": \"1\"}, \"insights\": [\"x\"]}\n```")
	require.NoError(t, err)
	assert.Equal(t, "1", payload.Fields["a"])
	assert.Equal(t, []string{"x"}, payload.Insights)
}

func TestParseStagePayload_ProseWrapped(t *testing.T) {
	payload, err := parseStagePayload(`Here is what I found: {"fields": {"a": "1"}} Hope that helps.`)
	require.NoError(t, err)
	assert.Equal(t, "1", payload.Fields["a"])
}

func TestParseStagePayload_Invalid(t *testing.T) {
	for _, text := range []string{"", "no json at all", "{broken"} {
		_, err := parseStagePayload(text)
		assert.Error(t, err, "input %q", text)
	}
}
