package saga

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// Plan describes a historical run. It is read from YAML files by the CLI
// and from JSON bodies by the admin API.
type Plan struct {
	Sport      string     `yaml:"sport" json:"sport"`
	Provider   string     `yaml:"provider" json:"provider"`
	SeasonYear int        `yaml:"season_year" json:"season_year"`
	Tiers      []PlanTier `yaml:"tiers" json:"tiers"`
}

// PlanTier is one tier entry in a Plan. DocumentType may be omitted when
// Name is itself a document type such as "Team By Season".
type PlanTier struct {
	Name         string `yaml:"name" json:"name"`
	DocumentType string `yaml:"document_type" json:"document_type"`
	URI          string `yaml:"uri" json:"uri"`
	Shape        string `yaml:"shape" json:"shape"`
}

// LoadPlan reads and parses a plan file.
func LoadPlan(path string) (Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(raw)
}

// ParsePlan parses a YAML plan. Unknown keys are rejected.
func ParsePlan(raw []byte) (Plan, error) {
	var plan Plan
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	return plan, nil
}

// StartRun converts the plan into a run. A positive seasonOverride replaces
// the plan's season; "{season}" in tier URIs expands to the chosen season.
func (p Plan) StartRun(correlationID string, seasonOverride int) (StartRun, error) {
	sport, err := crawler.ParseSport(p.Sport)
	if err != nil {
		return StartRun{}, err
	}
	provider, err := crawler.ParseProvider(p.Provider)
	if err != nil {
		return StartRun{}, err
	}
	season := p.SeasonYear
	if seasonOverride > 0 {
		season = seasonOverride
	}
	if season <= 0 {
		return StartRun{}, fmt.Errorf("%w: plan has no season_year", crawler.ErrInvalidValue)
	}

	run := StartRun{
		CorrelationID: correlationID,
		Sport:         sport,
		Provider:      provider,
		SeasonYear:    season,
		Tiers:         make([]TierSpec, 0, len(p.Tiers)),
	}
	for i, t := range p.Tiers {
		typeName := t.DocumentType
		if typeName == "" {
			typeName = t.Name
		}
		documentType, err := crawler.ParseDocumentType(typeName)
		if err != nil {
			return StartRun{}, fmt.Errorf("tier %d: %w", i, err)
		}
		shape, err := crawler.ParseShape(t.Shape)
		if err != nil {
			return StartRun{}, fmt.Errorf("tier %d: %w", i, err)
		}
		name := t.Name
		if name == "" {
			name = string(documentType)
		}
		run.Tiers = append(run.Tiers, TierSpec{
			Name:         name,
			DocumentType: documentType,
			URI:          strings.ReplaceAll(t.URI, "{season}", strconv.Itoa(season)),
			Shape:        shape,
		})
	}
	return run, nil
}
