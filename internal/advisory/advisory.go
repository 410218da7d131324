// Package advisory turns an AQI value and its pollutant breakdown into
// health guidance.
package advisory

import (
	"strings"

	"github.com/smukkama/aqi-server/internal/database"
)

// Category is the AQI band of a reading, ordered from best to worst
type Category string

const (
	CategoryGood         Category = "Good"
	CategorySatisfactory Category = "Satisfactory"
	CategoryModerate     Category = "Moderate"
	CategoryPoor         Category = "Poor"
	CategoryVeryPoor     Category = "Very Poor"
	CategorySevere       Category = "Severe"
)

// Activity is the recommended level of outdoor activity
type Activity string

const (
	ActivityOK    Activity = "ok"
	ActivityLimit Activity = "limit"
	ActivityAvoid Activity = "avoid"
)

// Advisory is the health recommendation for a reading
type Advisory struct {
	Category        Category `json:"category"`
	Advice          []string `json:"advice"`
	MaskRecommended bool     `json:"mask_recommended"`
	OutdoorActivity Activity `json:"outdoor_activity"`
}

const (
	pm25Limit  = 60
	ozoneLimit = 180
)

type band struct {
	upper    int
	category Category
	activity Activity
	mask     bool
	advice   string
}

// Upper bounds are inclusive; anything above the last band is Severe
var bands = []band{
	{50, CategoryGood, ActivityOK, false, "Air quality is good. Enjoy outdoor activities."},
	{100, CategorySatisfactory, ActivityOK, false, "Air quality is acceptable. Unusually sensitive people should watch for symptoms."},
	{200, CategoryModerate, ActivityLimit, true, "Sensitive groups should reduce prolonged outdoor exertion."},
	{300, CategoryPoor, ActivityLimit, true, "Limit prolonged outdoor exertion and keep windows closed."},
	{400, CategoryVeryPoor, ActivityAvoid, true, "Avoid outdoor activity. Use an air purifier indoors if available."},
}

var severe = band{0, CategorySevere, ActivityAvoid, true, "Health emergency: stay indoors and avoid all physical activity outside."}

// Derive builds the advisory for aqi and its pollutants
func Derive(aqi int, pollutants []database.Pollutant) Advisory {
	b := severe
	for _, candidate := range bands {
		if aqi <= candidate.upper {
			b = candidate
			break
		}
	}

	adv := Advisory{
		Category:        b.category,
		Advice:          []string{b.advice},
		MaskRecommended: b.mask,
		OutdoorActivity: b.activity,
	}

	for _, p := range pollutants {
		switch strings.ToLower(strings.TrimSpace(p.Name)) {
		case "pm2.5":
			if p.Value > pm25Limit {
				adv.Advice = append(adv.Advice, "Fine particulate (PM2.5) is elevated: an N95 mask is advised outdoors.")
			}
		case "o3", "ozone":
			if p.Value > ozoneLimit {
				adv.Advice = append(adv.Advice, "Ozone is high: avoid outdoor exercise in the afternoon.")
			}
		}
	}

	return adv
}

// Rank orders categories from best (0) to worst
func (c Category) Rank() int {
	for i, b := range bands {
		if b.category == c {
			return i
		}
	}
	if c == CategorySevere {
		return len(bands)
	}
	return -1
}
