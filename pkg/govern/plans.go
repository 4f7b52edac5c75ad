package govern

// Limits is the static allowance tuple attached to a plan.
type Limits struct {
	RequestsPerDay    int `json:"requests_per_day"`
	RequestsPerMinute int `json:"requests_per_minute"`
	CodeGenerations   int `json:"code_generations"`
	ImageGenerations  int `json:"image_generations"`
	AudioMinutes      int `json:"audio_minutes"`
}

var planLimits = map[Plan]Limits{
	PlanFree: {
		RequestsPerDay:    100,
		RequestsPerMinute: 10,
		CodeGenerations:   50,
		ImageGenerations:  10,
		AudioMinutes:      5,
	},
	PlanPro: {
		RequestsPerDay:    5000,
		RequestsPerMinute: 60,
		CodeGenerations:   2000,
		ImageGenerations:  500,
		AudioMinutes:      120,
	},
	PlanEnterprise: {
		RequestsPerDay:    100000,
		RequestsPerMinute: 500,
		CodeGenerations:   50000,
		ImageGenerations:  10000,
		AudioMinutes:      1000,
	},
}

// Limits returns the allowance tuple for the plan. Unknown plans fall
// back to the free tier.
func (p Plan) Limits() Limits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// ForKind returns the daily limit that applies to kind.
func (l Limits) ForKind(kind Kind) int {
	switch kind {
	case KindRequest:
		return l.RequestsPerDay
	case KindCode:
		return l.CodeGenerations
	case KindImage:
		return l.ImageGenerations
	case KindAudio:
		return l.AudioMinutes
	}
	return 0
}
