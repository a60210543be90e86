package domain

// TopMusic is the most-repeated sound of the year.
type TopMusic struct {
	Name  string `json:"name,omitempty"`
	Count int    `json:"count,omitempty"`
}

// SourceSpan references a watched video that contributed to the aggregates.
type SourceSpan struct {
	VideoID string `json:"video_id"`
	Reason  string `json:"reason"`
}

// DataJobRef records the export job an artifact was built from.
type DataJobRef struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// WrappedPayload is the wrapped artifact. The collector fills the aggregate
// fields and SampleTexts; the analyzer fills the rest all-or-nothing.
// SampleTexts is a private corpus for the analyzer and is stripped before the
// artifact is served.
type WrappedPayload struct {
	TotalHours  float64 `json:"total_hours"`
	TotalVideos int     `json:"total_videos"`
	NightPct    float64 `json:"night_pct"`
	// PeakHour is nil when no rows were observed.
	PeakHour    *int     `json:"peak_hour"`
	TopMusic    TopMusic `json:"top_music"`
	TopCreators []string `json:"top_creators"`

	PersonalityType        string   `json:"personality_type,omitempty"`
	PersonalityExplanation string   `json:"personality_explanation,omitempty"`
	NicheJourney           []string `json:"niche_journey,omitempty"`
	TopNiches              []string `json:"top_niches,omitempty"`
	TopNichePercentile     string   `json:"top_niche_percentile,omitempty"`
	BrainRotScore          *int     `json:"brain_rot_score,omitempty"`
	BrainRotExplanation    string   `json:"brain_rot_explanation,omitempty"`
	Keyword2026            string   `json:"keyword_2026,omitempty"`
	ThumbRoast             string   `json:"thumb_roast,omitempty"`

	PlatformUsername string                `json:"platform_username,omitempty"`
	Email            string                `json:"email,omitempty"`
	SourceSpans      []SourceSpan          `json:"source_spans"`
	DataJobs         map[string]DataJobRef `json:"data_jobs,omitempty"`
	SampleTexts      []string              `json:"_sample_texts,omitempty"`
}

// LLMFieldsComplete reports whether every analyzer-owned field is present.
func (p WrappedPayload) LLMFieldsComplete() bool {
	return p.PersonalityType != "" &&
		p.PersonalityExplanation != "" &&
		len(p.NicheJourney) > 0 &&
		len(p.TopNiches) > 0 &&
		p.TopNichePercentile != "" &&
		p.BrainRotScore != nil &&
		p.BrainRotExplanation != "" &&
		p.Keyword2026 != "" &&
		p.ThumbRoast != ""
}

// Public returns the artifact as served to clients, with the analyzer corpus
// stripped.
func (p WrappedPayload) Public() WrappedPayload {
	p.SampleTexts = nil
	return p
}
