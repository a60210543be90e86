package worker

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
)

// Prompt catalog for the persona pipeline. Each prompt runs as the system
// message over the same user message built from the collector stats and the
// sample corpus.
const (
	personalityPrompt = "Infer a concise personality label from the user's TikTok watch history sample. " +
		"Return a single lowercase token with underscores if needed (e.g., night_shift_scroller). No punctuation."

	personalityExplanationPrompt = "Explain in 1-2 sentences why this personality fits the user based on the provided watch patterns."

	nicheJourneyPrompt = "Summarize the user's 2025 niche interest journey in exactly 5 short words or phrases. " +
		"Return a JSON array of 5 strings, no extra text."

	topNichesPrompt = "Identify the user's top 2 niche interests and estimate the percentile for the top niche (e.g., 'top 5%'). " +
		`Return JSON: {"top_niches": ["niche1", "niche2"], "top_niche_percentile": "top 5%"}. No other text.`

	brainrotScorePrompt = "Assign a brainrot score from 0-100 based on the watch patterns. Return only the integer 0-100, no text."

	brainrotExplanationPrompt = "In 1-2 sentences, explain the brainrot score you assigned, grounded in the watch patterns."

	keyword2026Prompt = "Suggest a single keyword that captures the user's likely 2026 vibe. Return only the keyword."

	roastThumbPrompt = "Write a playful one-liner roast about how much the user's thumb has scrolled, given the total videos/time watched."
)

// buildCorpusPrompt renders the shared user message: headline stats followed
// by the sample texts, newest first, as the collector stored them.
func buildCorpusPrompt(p domain.WrappedPayload, sampleTexts []string) string {
	b := &strings.Builder{}
	b.WriteString("Watch statistics for 2025:\n")
	fmt.Fprintf(b, "- total videos watched: %d\n", p.TotalVideos)
	fmt.Fprintf(b, "- total hours watched: %.2f\n", p.TotalHours)
	fmt.Fprintf(b, "- late-night share: %.1f%%\n", p.NightPct)
	if p.PeakHour != nil {
		fmt.Fprintf(b, "- peak watching hour (local): %d:00\n", *p.PeakHour)
	}
	if p.TopMusic.Name != "" {
		fmt.Fprintf(b, "- most repeated sound: %s (%d plays)\n", p.TopMusic.Name, p.TopMusic.Count)
	}
	if len(p.TopCreators) > 0 {
		fmt.Fprintf(b, "- top creators: %s\n", strings.Join(p.TopCreators, ", "))
	}
	b.WriteString("\nSample of watched videos (title / description / hashtags / sound / author):\n")
	for _, s := range sampleTexts {
		b.WriteString("- ")
		b.WriteString(s)
		b.WriteString("\n")
	}
	return b.String()
}
