package destination

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrUnknownTheme is returned by ParseTheme for names outside the catalogue.
var ErrUnknownTheme = errors.New("unknown theme")

// Theme is the kind of holiday a batch of destinations is generated for.
type Theme string

const (
	ThemeSports            Theme = "Sports"
	ThemeScientific        Theme = "Scientific"
	ThemeNaturalAttraction Theme = "Natural Attraction"
	ThemeHistoricalPlace   Theme = "Historical Place"
	ThemeEntertainment     Theme = "Entertainment"
)

// Themes lists every supported theme in display order.
var Themes = []Theme{
	ThemeSports,
	ThemeScientific,
	ThemeNaturalAttraction,
	ThemeHistoricalPlace,
	ThemeEntertainment,
}

// Valid reports whether t is one of Themes.
func (t Theme) Valid() bool {
	for _, v := range Themes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseTheme matches s against the catalogue ignoring case. Underscores and
// hyphens are treated as spaces so "natural_attraction" works on a command line.
func ParseTheme(s string) (Theme, error) {
	norm := strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))
	for _, t := range Themes {
		if strings.EqualFold(string(t), norm) {
			return t, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownTheme, "%q", s)
}

// ActivityType is the category of an activity.
type ActivityType string

const (
	ActivityOutdoor     ActivityType = "Outdoor"
	ActivityIndoor      ActivityType = "Indoor"
	ActivityCultural    ActivityType = "Cultural"
	ActivityAdventure   ActivityType = "Adventure"
	ActivityRelaxation  ActivityType = "Relaxation"
	ActivityEducational ActivityType = "Educational"
)

var activityTypes = []ActivityType{
	ActivityOutdoor,
	ActivityIndoor,
	ActivityCultural,
	ActivityAdventure,
	ActivityRelaxation,
	ActivityEducational,
}

// combined categories the model likes to invent
var activityTypeAliases = map[string]ActivityType{
	"Cultural/Educational": ActivityCultural,
	"Educational/Cultural": ActivityEducational,
	"Outdoor/Adventure":    ActivityOutdoor,
	"Adventure/Outdoor":    ActivityAdventure,
	"Indoor/Cultural":      ActivityIndoor,
	"Cultural/Indoor":      ActivityCultural,
	"Relaxation/Indoor":    ActivityRelaxation,
	"Indoor/Relaxation":    ActivityIndoor,
}

// NormalizeActivityType maps free-form model output onto an ActivityType.
// Known combinations are resolved first, then an exact match, then the first
// category contained in s. Anything else is Outdoor.
func NormalizeActivityType(s string) ActivityType {
	s = strings.TrimSpace(s)
	if t, ok := activityTypeAliases[s]; ok {
		return t
	}
	for _, t := range activityTypes {
		if string(t) == s {
			return t
		}
	}
	lower := strings.ToLower(s)
	for _, t := range activityTypes {
		if strings.Contains(lower, strings.ToLower(string(t))) {
			return t
		}
	}
	return ActivityOutdoor
}

// Coordinates is a WGS84 position.
type Coordinates struct {
	Lat float64 `json:"lat" msgpack:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" msgpack:"lng" validate:"gte=-180,lte=180"`
}

// Activity is something to do at a destination.
type Activity struct {
	ID            uuid.UUID    `json:"id" msgpack:"id"`
	Name          string       `json:"name" msgpack:"name" validate:"required,max=200"`
	Description   string       `json:"description,omitempty" msgpack:"description" validate:"max=1000"`
	Type          ActivityType `json:"activity_type,omitempty" msgpack:"activity_type"`
	DurationHours *float64     `json:"duration_hours,omitempty" msgpack:"duration_hours" validate:"omitempty,gte=0,lte=168"`
	CostEstimate  string       `json:"cost_estimate,omitempty" msgpack:"cost_estimate"`
	Difficulty    *int         `json:"difficulty_level,omitempty" msgpack:"difficulty_level" validate:"omitempty,min=1,max=5"`
	CreatedAt     time.Time    `json:"created_at" msgpack:"created_at"`
}

// Destination is a generated travel destination.
type Destination struct {
	ID              uuid.UUID    `json:"id" msgpack:"id"`
	Place           string       `json:"place" msgpack:"place" validate:"required,max=100"`
	Country         string       `json:"country" msgpack:"country" validate:"required,max=100"`
	Continent       string       `json:"continent,omitempty" msgpack:"continent" validate:"max=50"`
	Coordinates     *Coordinates `json:"coordinates,omitempty" msgpack:"coordinates"`
	Description     string       `json:"description,omitempty" msgpack:"description" validate:"max=2000"`
	BestTimeToVisit string       `json:"best_time_to_visit,omitempty" msgpack:"best_time_to_visit" validate:"max=200"`
	Activities      []Activity   `json:"activities" msgpack:"activities" validate:"dive"`
	Theme           Theme        `json:"theme" msgpack:"theme" validate:"required,theme"`
	Rating          *float64     `json:"rating,omitempty" msgpack:"rating" validate:"omitempty,gte=0,lte=5"`
	CreatedAt       time.Time    `json:"created_at" msgpack:"created_at"`
}

// FullName is "Place, Country".
func (d Destination) FullName() string {
	return fmt.Sprintf("%s, %s", d.Place, d.Country)
}

const (
	DefaultCount = 5
	MaxCount     = 20
)

// GenerationRequest asks for Count destinations of one theme.
type GenerationRequest struct {
	Theme             Theme             `json:"theme" validate:"required,theme"`
	Count             int               `json:"count" validate:"min=1,max=20"`
	IncludeActivities bool              `json:"include_activities"`
	UserPreferences   map[string]string `json:"user_preferences,omitempty"`
}

// NewGenerationRequest returns a request for theme with the default count
// and activities included.
func NewGenerationRequest(theme Theme) GenerationRequest {
	return GenerationRequest{Theme: theme, Count: DefaultCount, IncludeActivities: true}
}

// GenerationResponse is what Generate returns. RequestID, GenerationTime and
// Source describe this call; the destinations may come from the cache.
type GenerationResponse struct {
	RequestID      uuid.UUID     `json:"request_id"`
	Destinations   []Destination `json:"destinations"`
	Theme          Theme         `json:"theme"`
	GeneratedAt    time.Time     `json:"generated_at"`
	GenerationTime time.Duration `json:"generation_time_ns"`
	Source         string        `json:"source"`
	Model          string        `json:"model"`
}

// BackendStatus is the health of one cache backend.
type BackendStatus struct {
	Name      string        `json:"name"`
	Role      string        `json:"role"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the result of Service.Health.
type HealthReport struct {
	Status       string          `json:"status"`
	Model        string          `json:"model"`
	BaseModel    string          `json:"base_model,omitempty"`
	FineTuned    bool            `json:"fine_tuned"`
	Connection   string          `json:"openai_connection"`
	ResponseTime time.Duration   `json:"response_time_ns"`
	Error        string          `json:"error,omitempty"`
	Backends     []BackendStatus `json:"backends"`
}

// batch is the cached unit: everything in a response that does not change
// between calls.
type batch struct {
	Destinations []Destination `msgpack:"destinations"`
	Model        string        `msgpack:"model"`
	GeneratedAt  time.Time     `msgpack:"generated_at"`
}
