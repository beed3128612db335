package destination

import (
	"encoding/json"
	"strconv"
	"strings"
)

// flexFloat accepts a JSON number or a numeric string. Anything else leaves
// it unset instead of failing the whole document.
type flexFloat struct {
	v  float64
	ok bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		f.v, f.ok = v, true
	}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.ok {
		return nil
	}
	v := f.v
	return &v
}

type rawCoordinates struct {
	Lat flexFloat `json:"lat"`
	Lng flexFloat `json:"lng"`
}

type rawDestination struct {
	Place           string          `json:"place"`
	Country         string          `json:"country"`
	Continent       string          `json:"continent"`
	Description     string          `json:"description"`
	BestTimeToVisit string          `json:"best_time_to_visit"`
	Coordinates     *rawCoordinates `json:"coordinates"`
	Rating          flexFloat       `json:"rating"`
}

type rawActivity struct {
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	Type          string    `json:"activity_type"`
	DurationHours flexFloat `json:"duration_hours"`
	Difficulty    flexFloat `json:"difficulty_level"`
	CostEstimate  string    `json:"cost_estimate"`
}

// extractJSON returns the object embedded in text, dropping markdown fences
// and any chatter around the outermost braces.
func extractJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}

// ParseDestinations reads a model reply. The reply should be a JSON document
// with a "destinations" array; when it is not, lines of the form
// "Place, Country" are used instead and fallback is true.
func ParseDestinations(text string) (dests []Destination, fallback bool) {
	var doc struct {
		Destinations []rawDestination `json:"destinations"`
	}
	if obj, ok := extractJSON(text); ok && json.Unmarshal([]byte(obj), &doc) == nil {
		dests = make([]Destination, 0, len(doc.Destinations))
		for _, r := range doc.Destinations {
			dests = append(dests, r.destination())
		}
		return dests, false
	}
	return fallbackDestinations(text), true
}

func (r rawDestination) destination() Destination {
	d := Destination{
		Place:           strings.TrimSpace(r.Place),
		Country:         strings.TrimSpace(r.Country),
		Continent:       strings.TrimSpace(r.Continent),
		Description:     strings.TrimSpace(r.Description),
		BestTimeToVisit: strings.TrimSpace(r.BestTimeToVisit),
		Rating:          r.Rating.ptr(),
		Activities:      []Activity{},
	}
	if d.Place == "" {
		d.Place = "Unknown Place"
	}
	if d.Country == "" {
		d.Country = "Unknown Country"
	}
	if r.Coordinates != nil && r.Coordinates.Lat.ok && r.Coordinates.Lng.ok {
		d.Coordinates = &Coordinates{Lat: r.Coordinates.Lat.v, Lng: r.Coordinates.Lng.v}
	}
	return d
}

const fallbackLimit = 5

func nonEmptyLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func fallbackDestinations(text string) []Destination {
	lines := nonEmptyLines(text)
	if len(lines) > fallbackLimit {
		lines = lines[:fallbackLimit]
	}
	dests := []Destination{}
	for _, line := range lines {
		if !strings.Contains(line, ",") || strings.HasPrefix(line, "{") || strings.HasPrefix(line, `"`) {
			continue
		}
		place, country, _ := strings.Cut(line, ",")
		rating := 4.0
		dests = append(dests, Destination{
			Place:           strings.TrimSpace(place),
			Country:         strings.TrimSpace(country),
			Description:     "Generated destination",
			BestTimeToVisit: "Year-round",
			Coordinates:     &Coordinates{},
			Rating:          &rating,
			Activities:      []Activity{},
		})
	}
	return dests
}

// ParseActivities reads a model reply with an "activities" array. When the
// reply is not JSON, plain lines become activities and fallback is true; if
// nothing usable is found two generic activities are returned.
func ParseActivities(text string) (acts []Activity, fallback bool) {
	var doc struct {
		Activities []rawActivity `json:"activities"`
	}
	if obj, ok := extractJSON(text); ok && json.Unmarshal([]byte(obj), &doc) == nil {
		acts = make([]Activity, 0, len(doc.Activities))
		for _, r := range doc.Activities {
			acts = append(acts, r.activity())
		}
		return acts, false
	}
	return fallbackActivities(text), true
}

func (r rawActivity) activity() Activity {
	a := Activity{
		Name:          strings.TrimSpace(r.Name),
		Description:   strings.TrimSpace(r.Description),
		Type:          NormalizeActivityType(r.Type),
		DurationHours: r.DurationHours.ptr(),
		CostEstimate:  strings.TrimSpace(r.CostEstimate),
	}
	if a.Name == "" {
		a.Name = "Unknown Activity"
	}
	if r.Difficulty.ok {
		d := int(r.Difficulty.v)
		a.Difficulty = &d
	}
	return a
}

// JSON fragments that never name an activity
var activitySkipTokens = []string{
	"{", "}", "[", "]",
	`"activities":`, `"name":`, `"description":`, `"activity_type":`,
	`"duration_hours":`, `"difficulty_level":`, `"cost_estimate":`,
}

const fallbackScanLines = 20

func fallbackActivities(text string) []Activity {
	lines := nonEmptyLines(text)
	if len(lines) > fallbackScanLines {
		lines = lines[:fallbackScanLines]
	}
	acts := []Activity{}
	for _, line := range lines {
		line = strings.TrimLeft(line, "- ")
		if containsAny(line, activitySkipTokens) {
			continue
		}
		var name string
		switch {
		case strings.Contains(line, `"`) && !strings.Contains(line, ":"):
			name = strings.TrimSpace(strings.Trim(line, `",`))
			if len(name) <= 2 {
				continue
			}
		case len(line) > 3 && !strings.HasPrefix(line, `"`) && !strings.Contains(line, ":"):
			name = line
		default:
			continue
		}
		acts = append(acts, simpleActivity(name, "Enjoy "+strings.ToLower(name)+" at this destination", ActivityOutdoor, 2, 3, "Moderate"))
		if len(acts) >= fallbackLimit {
			break
		}
	}
	if len(acts) == 0 {
		acts = []Activity{
			simpleActivity("Explore the area", "Take time to explore this amazing destination", ActivityOutdoor, 3, 2, "Low"),
			simpleActivity("Local sightseeing", "Discover the local attractions and landmarks", ActivityCultural, 4, 1, "Moderate"),
		}
	}
	return acts
}

func simpleActivity(name, description string, typ ActivityType, hours float64, difficulty int, cost string) Activity {
	return Activity{
		Name:          name,
		Description:   description,
		Type:          typ,
		DurationHours: &hours,
		Difficulty:    &difficulty,
		CostEstimate:  cost,
	}
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
