package worker

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/tiktok-wrapped/internal/domain"
	"github.com/fairyhunter13/tiktok-wrapped/pkg/textx"
)

const (
	maxSampleTexts = 50
	maxSampleRunes = 300
	maxSourceSpans = 200
	maxTopCreators = 5
)

// window is one [StartMS, EndMS) month slice in epoch milliseconds.
type window struct {
	StartMS int64
	EndMS   int64
}

// yearWindows slices a year into its twelve UTC month windows.
func yearWindows(year int) []window {
	out := make([]window, 0, 12)
	for m := time.January; m <= time.December; m++ {
		start := time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
		out = append(out, window{
			StartMS: start.UnixMilli(),
			EndMS:   start.AddDate(0, 1, 0).UnixMilli(),
		})
	}
	return out
}

// loadZone resolves the user's stored zone, falling back to UTC when it is
// absent or unknown.
func loadZone(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// summarizeRows aggregates a year of watch rows into the collector-owned
// payload fields, including the sample corpus handed to the analyzer. Rows
// without a parseable timestamp count toward the totals but not toward the
// night share or the peak hour.
func summarizeRows(rows []domain.WatchRow, loc *time.Location) domain.WrappedPayload {
	var (
		totalSeconds float64
		nightSeconds float64
		hourSeconds  [24]float64
		hourTouched  [24]bool
		anyHour      bool
	)
	music := newFreqCounter()
	creators := newFreqCounter()
	samples := make([]string, 0, maxSampleTexts)
	spans := make([]domain.SourceSpan, 0, maxSourceSpans)

	for _, row := range rows {
		times := row.ApproxTimesWatched
		if times <= 0 {
			times = 1
		}
		seconds := float64(row.DurationMS) / 1000 * float64(times)
		totalSeconds += seconds

		if at, ok := row.WatchedAtTime(); ok {
			hour := at.In(loc).Hour()
			hourSeconds[hour] += seconds
			hourTouched[hour] = true
			anyHour = true
			if hour >= 22 || hour < 4 {
				nightSeconds += seconds
			}
		}

		musicTitle := ""
		if row.Music != nil {
			musicTitle = row.Music.Title
		}
		if musicTitle != "" {
			music.add(musicTitle)
		}
		if row.Author != "" {
			creators.add(row.Author)
		}

		if len(samples) < maxSampleTexts {
			sample := textx.JoinNonEmpty(" ",
				row.Title,
				row.Description,
				strings.Join(row.Hashtags, " "),
				musicTitle,
				row.Author,
			)
			sample = textx.SanitizeText(sample)
			if sample != "" {
				samples = append(samples, textx.Truncate(sample, maxSampleRunes))
			}
		}
		if len(spans) < maxSourceSpans {
			spans = append(spans, domain.SourceSpan{VideoID: row.VideoID, Reason: "aggregate"})
		}
	}

	p := domain.WrappedPayload{
		TotalVideos: len(rows),
		TotalHours:  math.Round(totalSeconds/3600*10000) / 10000,
		TopCreators: creators.top(maxTopCreators),
		SourceSpans: spans,
		SampleTexts: samples,
	}
	if totalSeconds > 0 {
		p.NightPct = nightSeconds / totalSeconds * 100
	}
	if anyHour {
		peak, best := 0, -1.0
		for h := 0; h < 24; h++ {
			if hourTouched[h] && hourSeconds[h] > best {
				peak, best = h, hourSeconds[h]
			}
		}
		p.PeakHour = &peak
	}
	if name, count, ok := music.max(); ok {
		p.TopMusic = domain.TopMusic{Name: name, Count: count}
	}
	return p
}

// freqCounter counts string keys and ranks them by count, first-seen order
// breaking ties.
type freqCounter struct {
	counts map[string]int
	seen   map[string]int
	next   int
}

func newFreqCounter() *freqCounter {
	return &freqCounter{counts: map[string]int{}, seen: map[string]int{}}
}

func (c *freqCounter) add(key string) {
	if _, ok := c.counts[key]; !ok {
		c.seen[key] = c.next
		c.next++
	}
	c.counts[key]++
}

func (c *freqCounter) ranked() []string {
	keys := make([]string, 0, len(c.counts))
	for k := range c.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c.counts[keys[i]] != c.counts[keys[j]] {
			return c.counts[keys[i]] > c.counts[keys[j]]
		}
		return c.seen[keys[i]] < c.seen[keys[j]]
	})
	return keys
}

func (c *freqCounter) top(n int) []string {
	keys := c.ranked()
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func (c *freqCounter) max() (string, int, bool) {
	keys := c.ranked()
	if len(keys) == 0 {
		return "", 0, false
	}
	return keys[0], c.counts[keys[0]], true
}
