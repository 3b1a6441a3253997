package telemetry

import (
	"context"
	"strings"
	"time"
)

// genericDescriptions are placeholder texts the ingest path writes when the
// provider did not supply a behavior label. Only these are ever overwritten
// during description normalization.
var genericDescriptions = map[string]bool{
	"safety event":          true,
	"unknown safety event":  true,
	"safety event detected": true,
	"vehicle event":         true,
}

// IsGenericDescription reports whether the description is a known placeholder.
func IsGenericDescription(desc string) bool {
	return genericDescriptions[strings.ToLower(strings.TrimSpace(desc))]
}

// behaviorNames maps provider behavior labels to localized display names.
// Falls back to English, then to the raw label.
var behaviorNames = map[string]map[string]string{
	"harsh_brake": {
		"en": "Harsh Braking",
		"es": "Frenado brusco",
		"pt": "Frenagem brusca",
	},
	"harsh_accel": {
		"en": "Harsh Acceleration",
		"es": "Aceleración brusca",
		"pt": "Aceleração brusca",
	},
	"harsh_turn": {
		"en": "Harsh Turn",
		"es": "Giro brusco",
		"pt": "Curva brusca",
	},
	"crash": {
		"en": "Crash Detected",
		"es": "Colisión detectada",
		"pt": "Colisão detectada",
	},
	"rolling_stop": {
		"en": "Rolling Stop",
		"es": "Parada incompleta",
		"pt": "Parada incompleta",
	},
	"following_distance": {
		"en": "Close Following Distance",
		"es": "Distancia de seguimiento corta",
		"pt": "Distância de seguimento curta",
	},
	"distracted_driving": {
		"en": "Distracted Driving",
		"es": "Conducción distraída",
		"pt": "Direção distraída",
	},
	"speeding": {
		"en": "Speeding",
		"es": "Exceso de velocidad",
		"pt": "Excesso de velocidade",
	},
}

// BehaviorName returns the localized display name for a behavior label.
func BehaviorName(label, locale string) string {
	names, ok := behaviorNames[label]
	if !ok {
		return label
	}
	if n, ok := names[locale]; ok {
		return n
	}
	return names["en"]
}

// descriptionMatchWindow bounds how far a provider safety event may be from
// the signal timestamp and still be considered the same event.
const descriptionMatchWindow = 5 * time.Minute

// DescriptionSource looks up a specific description for a signal whose
// description is still a generic placeholder.
type DescriptionSource struct {
	client *Client
}

// NewDescriptionSource creates a DescriptionSource over the given client.
func NewDescriptionSource(client *Client) *DescriptionSource {
	return &DescriptionSource{client: client}
}

// Lookup finds the provider safety event matching the vehicle and approximate
// time and returns its localized behavior-label name. Returns false when no
// matching labeled event exists.
func (d *DescriptionSource) Lookup(ctx context.Context, token, locale, vehicleID string, around time.Time) (string, bool, error) {
	events, err := d.client.SafetyEvents(ctx, token, []string{vehicleID},
		around.Add(-descriptionMatchWindow), around.Add(descriptionMatchWindow))
	if err != nil {
		return "", false, err
	}

	// closest labeled event wins
	var best *SafetyEvent
	var bestDelta time.Duration
	for i := range events {
		ev := &events[i]
		if ev.BehaviorLabel == "" {
			continue
		}
		delta := ev.OccurredAt.Sub(around)
		if delta < 0 {
			delta = -delta
		}
		if best == nil || delta < bestDelta {
			best = ev
			bestDelta = delta
		}
	}
	if best == nil {
		return "", false, nil
	}
	return BehaviorName(best.BehaviorLabel, locale), true, nil
}
