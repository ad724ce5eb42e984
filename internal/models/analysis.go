package models

import "sort"

// WordType classifies a word cloud phrase
type WordType string

const (
	WordComplaint WordType = "complaint"
	WordPraise    WordType = "praise"
)

// Priority ranks an actionable area
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// ReviewPoint is a single point of the sentiment trend
type ReviewPoint struct {
	Date      string `json:"date"` // Format: YYYY-MM-DD
	Sentiment int    `json:"sentiment"`
	Snippet   string `json:"snippet"`
}

// WordFrequency is a word cloud entry
type WordFrequency struct {
	Text  string   `json:"text"`
	Value int      `json:"value"`
	Type  WordType `json:"type"`
}

// ActionableArea is a recommendation from the executive summary
type ActionableArea struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
}

// Summary is the executive summary of an analysis
type Summary struct {
	Overview        string           `json:"overview"`
	ActionableAreas []ActionableArea `json:"actionableAreas"`
}

// AnalysisResult is the structured outcome of one analysis call.
// SentimentTrend keeps the order returned by the provider.
type AnalysisResult struct {
	SentimentTrend []ReviewPoint   `json:"sentimentTrend"`
	WordCloud      []WordFrequency `json:"wordCloud"`
	Summary        Summary         `json:"summary"`
}

// SortedTrend returns a copy of the trend ordered by date
func (r *AnalysisResult) SortedTrend() []ReviewPoint {
	points := make([]ReviewPoint, len(r.SentimentTrend))
	copy(points, r.SentimentTrend)
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Date < points[j].Date
	})
	return points
}

// Phrases returns word cloud phrases of the given type in provider order
func (r *AnalysisResult) Phrases(t WordType) []string {
	phrases := make([]string, 0, len(r.WordCloud))
	for _, w := range r.WordCloud {
		if w.Type == t {
			phrases = append(phrases, w.Text)
		}
	}
	return phrases
}

// Complaints returns complaint phrases in provider order
func (r *AnalysisResult) Complaints() []string {
	return r.Phrases(WordComplaint)
}

// AverageSentiment returns the mean sentiment of the trend, 0 when empty
func (r *AnalysisResult) AverageSentiment() float64 {
	if len(r.SentimentTrend) == 0 {
		return 0
	}
	total := 0
	for _, p := range r.SentimentTrend {
		total += p.Sentiment
	}
	return float64(total) / float64(len(r.SentimentTrend))
}
