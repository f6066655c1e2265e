// Package crawler defines core types shared across subsystems.
package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by stores and services.
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateResourceIndex = errors.New("resource index already exists")
	ErrTierNotReady           = errors.New("tier resource index not yet visible")
	ErrInvalidValue           = errors.New("invalid value")
	ErrConflict               = errors.New("conflicting concurrent update")
)

// Sport identifies the sport a document belongs to.
type Sport string

// Supported sports.
const (
	SportFootballNcaa   Sport = "FootballNcaa"
	SportFootballNfl    Sport = "FootballNfl"
	SportBasketballNba  Sport = "BasketballNba"
	SportBasketballNcaa Sport = "BasketballNcaa"
	SportBaseballMlb    Sport = "BaseballMlb"
	SportGolfPga        Sport = "GolfPga"
)

var sports = []Sport{
	SportFootballNcaa,
	SportFootballNfl,
	SportBasketballNba,
	SportBasketballNcaa,
	SportBaseballMlb,
	SportGolfPga,
}

// SourceDataProvider identifies the upstream API a document came from.
type SourceDataProvider string

// Supported providers.
const (
	ProviderEspn         SourceDataProvider = "Espn"
	ProviderSportsDataIO SourceDataProvider = "SportsDataIO"
	ProviderCbs          SourceDataProvider = "Cbs"
)

var providers = []SourceDataProvider{ProviderEspn, ProviderSportsDataIO, ProviderCbs}

// DocumentType is the semantic category of a provider document.
type DocumentType string

// Known document types.
const (
	DocumentAthlete               DocumentType = "Athlete"
	DocumentAthleteBySeason       DocumentType = "AthleteBySeason"
	DocumentCoach                 DocumentType = "Coach"
	DocumentCoachBySeason         DocumentType = "CoachBySeason"
	DocumentEvent                 DocumentType = "Event"
	DocumentEventCompetition      DocumentType = "EventCompetition"
	DocumentEventCompetitionDrive DocumentType = "EventCompetitionDrive"
	DocumentEventCompetitionPlay  DocumentType = "EventCompetitionPlay"
	DocumentFranchise             DocumentType = "Franchise"
	DocumentGroupBySeason         DocumentType = "GroupBySeason"
	DocumentPosition              DocumentType = "Position"
	DocumentSeason                DocumentType = "Season"
	DocumentSeasonType            DocumentType = "SeasonType"
	DocumentSeasonTypeWeek        DocumentType = "SeasonTypeWeek"
	DocumentStandings             DocumentType = "Standings"
	DocumentTeamBySeason          DocumentType = "TeamBySeason"
	DocumentTeamRecord            DocumentType = "TeamRecord"
	DocumentVenue                 DocumentType = "Venue"
)

var documentTypes = []DocumentType{
	DocumentAthlete,
	DocumentAthleteBySeason,
	DocumentCoach,
	DocumentCoachBySeason,
	DocumentEvent,
	DocumentEventCompetition,
	DocumentEventCompetitionDrive,
	DocumentEventCompetitionPlay,
	DocumentFranchise,
	DocumentGroupBySeason,
	DocumentPosition,
	DocumentSeason,
	DocumentSeasonType,
	DocumentSeasonTypeWeek,
	DocumentStandings,
	DocumentTeamBySeason,
	DocumentTeamRecord,
	DocumentVenue,
}

// ResourceShape labels the structure of a fetched document.
type ResourceShape string

// Resource shapes. Auto means "classify after fetching".
const (
	ShapeAuto   ResourceShape = "Auto"
	ShapeIndex  ResourceShape = "Index"
	ShapeHybrid ResourceShape = "Hybrid"
	ShapeLeaf   ResourceShape = "Leaf"
)

var shapes = []ResourceShape{ShapeAuto, ShapeIndex, ShapeHybrid, ShapeLeaf}

// ParseSport resolves a sport name case-insensitively.
func ParseSport(raw string) (Sport, error) {
	return parseEnum(raw, sports, "sport")
}

// ParseProvider resolves a provider name case-insensitively.
func ParseProvider(raw string) (SourceDataProvider, error) {
	return parseEnum(raw, providers, "source data provider")
}

// ParseDocumentType resolves a document type name. Spaces, dashes and
// underscores are ignored so display names such as "Team By Season" parse.
func ParseDocumentType(raw string) (DocumentType, error) {
	return parseEnum(raw, documentTypes, "document type")
}

// ParseShape resolves a shape name; empty input means Auto.
func ParseShape(raw string) (ResourceShape, error) {
	if strings.TrimSpace(raw) == "" {
		return ShapeAuto, nil
	}
	return parseEnum(raw, shapes, "resource shape")
}

func parseEnum[T ~string](raw string, values []T, kind string) (T, error) {
	key := enumKey(raw)
	if key == "" {
		var zero T
		return zero, fmt.Errorf("%w: empty %s", ErrInvalidValue, kind)
	}
	for _, v := range values {
		if enumKey(string(v)) == key {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("%w: unknown %s %q", ErrInvalidValue, kind, raw)
}

func enumKey(raw string) string {
	return strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(strings.TrimSpace(raw)))
}

// ExternalRefIdentity is the content-addressed identity of a provider URL.
type ExternalRefIdentity struct {
	CanonicalID uuid.UUID `json:"canonical_id"`
	URLHash     string    `json:"url_hash"`
	CleanURL    string    `json:"clean_url"`
}

// ResourceIndex is one row of the crawl frontier.
type ResourceIndex struct {
	ID             string             `json:"id"`
	URI            string             `json:"uri"`
	EndpointMask   string             `json:"endpoint_mask"`
	Sport          Sport              `json:"sport"`
	DocumentType   DocumentType       `json:"document_type"`
	Provider       SourceDataProvider `json:"source_data_provider"`
	SeasonYear     *int               `json:"season_year,omitempty"`
	Shape          ResourceShape      `json:"shape"`
	IsRecurring    bool               `json:"is_recurring"`
	CronExpression string             `json:"cron_expression,omitempty"`
	IsEnabled      bool               `json:"is_enabled"`
	Ordinal        *int               `json:"ordinal,omitempty"`
	SourceURLHash  string             `json:"source_url_hash"`
	CreatedBy      string             `json:"created_by"`
	CreatedAt      time.Time          `json:"created_at"`
	LastAccessedAt *time.Time         `json:"last_accessed_at,omitempty"`
}

// SeasonMatches reports whether the row is scoped to the given season;
// a nil season matches only unscoped rows.
func (r ResourceIndex) SeasonMatches(seasonYear *int) bool {
	if r.SeasonYear == nil || seasonYear == nil {
		return r.SeasonYear == nil && seasonYear == nil
	}
	return *r.SeasonYear == *seasonYear
}

// SagaStatus is the lifecycle state of a historical sourcing run.
type SagaStatus string

// Saga states.
const (
	SagaNotStarted     SagaStatus = "NotStarted"
	SagaTierInProgress SagaStatus = "TierInProgress"
	SagaCompleted      SagaStatus = "Completed"
)

// Tier is one ordered stage of a historical backfill.
type Tier struct {
	DocumentType DocumentType `json:"document_type"`
	Name         string       `json:"name"`
	URLHash      string       `json:"url_hash,omitempty"`
}

// TierProgress tracks the URL hashes of the current tier. Pending holds
// documents requested but not yet finished; the tier is drained once
// Pending is empty. Finished keeps duplicate completions idempotent.
type TierProgress struct {
	Pending  []string `json:"pending,omitempty"`
	Finished []string `json:"finished,omitempty"`
}

// SagaState is the persisted state of a historical sourcing run.
type SagaState struct {
	CorrelationID string             `json:"correlation_id"`
	Sport         Sport              `json:"sport"`
	Provider      SourceDataProvider `json:"source_data_provider"`
	SeasonYear    int                `json:"season_year"`
	Tiers         []Tier             `json:"tiers"`
	TierIndex     int                `json:"tier_index"`
	Progress      TierProgress       `json:"progress"`
	Status        SagaStatus         `json:"status"`
	Version       int                `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// CurrentTier returns the tier being sourced, if any.
func (s SagaState) CurrentTier() (Tier, bool) {
	if s.Status != SagaTierInProgress || s.TierIndex < 0 || s.TierIndex >= len(s.Tiers) {
		return Tier{}, false
	}
	return s.Tiers[s.TierIndex], true
}

// FetchRequest captures everything needed to fetch a provider URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// DocumentKey builds the document store key for a fetched document.
func DocumentKey(prefix string, sport Sport, documentType DocumentType, urlHash string) string {
	parts := []string{strings.Trim(prefix, "/"), string(sport), string(documentType), urlHash + ".json"}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
