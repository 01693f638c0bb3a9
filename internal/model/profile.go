package model

import "time"

// NotFound is the sentinel a stage reports when a provider explicitly could
// not find a field. It never overwrites a populated value during merge.
const NotFound = "UNKNOWN"

// Well-known profile field keys. Stages may introduce additional keys; these
// are the ones the built-in stage sets populate.
const (
	FieldLegalName   = "identity.legal_name"
	FieldOrgNumber   = "identity.org_number"
	FieldWebsite     = "identity.website"
	FieldIndustry    = "identity.industry"
	FieldStreet      = "address.street"
	FieldPostalCode  = "address.postal_code"
	FieldCity        = "address.city"
	FieldCountry     = "address.country"
	FieldRevenue     = "financial.revenue"
	FieldEmployees   = "financial.employees"
	FieldFiscalYear  = "financial.fiscal_year"
	FieldCreditNotes = "financial.credit_notes"
)

// Relation list names.
const (
	RelationBoard        = "board_members"
	RelationOwners       = "owners"
	RelationSubsidiaries = "subsidiaries"
)

// Status describes the terminal state of an enrichment run.
type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// SourceLink records where a piece of the profile came from.
type SourceLink struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Domain string `json:"domain,omitempty"`
}

// dedupeKey merges by URL, falling back to domain for links without one.
func (l SourceLink) dedupeKey() string {
	if l.URL != "" {
		return l.URL
	}
	return l.Domain
}

// StageFailure records a non-required stage that did not complete.
type StageFailure struct {
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// Profile is the accumulating enrichment record for one entity. Each enrich
// call owns its own Profile; nothing here is shared between goroutines.
type Profile struct {
	RunID      string              `json:"run_id"`
	Identity   Identity            `json:"identity"`
	Fields     map[string]string   `json:"fields"`
	Relations  map[string][]string `json:"relations,omitempty"`
	Insights   []string            `json:"insights,omitempty"`
	Links      []SourceLink        `json:"links,omitempty"`
	Status     Status              `json:"status"`
	Reason     string              `json:"reason,omitempty"`
	Failures   []StageFailure      `json:"stage_failures,omitempty"`
	EnrichedAt time.Time           `json:"enriched_at"`
}

// NewProfile creates an empty profile for the given identity.
func NewProfile(runID string, id Identity) *Profile {
	return &Profile{
		RunID:     runID,
		Identity:  id,
		Fields:    make(map[string]string),
		Relations: make(map[string][]string),
	}
}

// Populated reports whether the field holds a usable value: non-empty and
// not the NotFound sentinel.
func Populated(v string) bool {
	return v != "" && v != NotFound
}

// Field returns the named field value, or "" when absent.
func (p *Profile) Field(key string) string {
	return p.Fields[key]
}

// SetField writes a field under merge precedence: a populated field is only
// replaced by another populated value. Returns true if the field changed.
func (p *Profile) SetField(key, value string) bool {
	if !Populated(value) {
		return false
	}
	if Populated(p.Fields[key]) && p.Fields[key] == value {
		return false
	}
	if p.Fields == nil {
		p.Fields = make(map[string]string)
	}
	p.Fields[key] = value
	return true
}

// AddRelations appends names to a relation list, skipping duplicates and
// sentinel values, preserving first-seen order.
func (p *Profile) AddRelations(name string, members []string) {
	if p.Relations == nil {
		p.Relations = make(map[string][]string)
	}
	seen := make(map[string]struct{}, len(p.Relations[name]))
	for _, m := range p.Relations[name] {
		seen[m] = struct{}{}
	}
	for _, m := range members {
		if !Populated(m) {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		p.Relations[name] = append(p.Relations[name], m)
	}
}

// AddLinks appends source links, deduplicated by URL (or domain when the URL
// is empty), preserving first-seen order.
func (p *Profile) AddLinks(links []SourceLink) {
	seen := make(map[string]struct{}, len(p.Links))
	for _, l := range p.Links {
		seen[l.dedupeKey()] = struct{}{}
	}
	for _, l := range links {
		k := l.dedupeKey()
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		p.Links = append(p.Links, l)
	}
}

// AddInsight appends a free-text insight, skipping empties and duplicates.
func (p *Profile) AddInsight(text string) {
	if !Populated(text) {
		return
	}
	for _, existing := range p.Insights {
		if existing == text {
			return
		}
	}
	p.Insights = append(p.Insights, text)
}

// Clone returns a deep copy. Cache reads and snapshot emission always hand
// out clones so callers can mutate freely.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Fields = make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		cp.Fields[k] = v
	}
	cp.Relations = make(map[string][]string, len(p.Relations))
	for k, v := range p.Relations {
		cp.Relations[k] = append([]string(nil), v...)
	}
	cp.Insights = append([]string(nil), p.Insights...)
	cp.Links = append([]SourceLink(nil), p.Links...)
	cp.Failures = append([]StageFailure(nil), p.Failures...)
	return &cp
}
