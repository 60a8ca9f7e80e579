// Package intent tags conversation messages with a coarse intent and a
// lexicon-based sentiment score.
package intent

import (
	"strings"
	"unicode"
)

const (
	ReturnRequest = "return_request"
	RefundStatus  = "refund_status"
	Exchange      = "exchange"
	Complaint     = "complaint"
	HumanAgent    = "human_agent"
	OrderTracking = "order_tracking"
	Greeting      = "greeting"
	General       = "general"
)

// Ordered by priority: the first intent with a matching keyword wins.
var intentKeywords = []struct {
	intent   string
	keywords []string
}{
	{HumanAgent, []string{"human", "real person", "supervisor", "manager", "representative"}},
	{Complaint, []string{"complaint", "unacceptable", "terrible", "worst", "ridiculous"}},
	{RefundStatus, []string{"refund", "money back", "reimburse"}},
	{Exchange, []string{"exchange", "swap", "different size", "replace"}},
	{ReturnRequest, []string{"return", "send back", "broken", "defective", "damaged", "wrong item"}},
	{OrderTracking, []string{"track", "where is my", "shipping", "delivery"}},
	{Greeting, []string{"hello", "hi", "hey", "good morning"}},
}

var positiveWords = map[string]float64{
	"thanks": 0.6, "thank": 0.6, "great": 0.7, "good": 0.4, "perfect": 0.8,
	"happy": 0.6, "love": 0.7, "excellent": 0.8, "helpful": 0.5, "appreciate": 0.6,
}

var negativeWords = map[string]float64{
	"angry": 0.8, "terrible": 0.9, "awful": 0.9, "worst": 1.0, "hate": 0.9,
	"broken": 0.4, "disappointed": 0.6, "unacceptable": 0.9, "useless": 0.8,
	"frustrated": 0.7, "ridiculous": 0.8, "bad": 0.5, "never": 0.3, "scam": 1.0,
}

var negators = map[string]bool{"not": true, "no": true, "never": true, "don't": true, "isn't": true, "wasn't": true}

type Result struct {
	Intent         string  `json:"intent"`
	Sentiment      string  `json:"sentiment"`
	SentimentScore float64 `json:"sentimentScore"`
}

func Classify(text string) Result {
	lower := strings.ToLower(text)
	score := Sentiment(lower)
	return Result{Intent: detectIntent(lower), Sentiment: Label(score), SentimentScore: score}
}

func detectIntent(lower string) string {
	words := tokenize(lower)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	for _, group := range intentKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					return group.intent
				}
			} else if set[kw] {
				return group.intent
			}
		}
	}
	return General
}

// Sentiment scores text in [-1, 1]. A negator flips the next scored word.
func Sentiment(text string) float64 {
	words := tokenize(strings.ToLower(text))
	var sum float64
	hits := 0
	flip := false
	for _, w := range words {
		if negators[w] {
			flip = true
			if _, scored := negativeWords[w]; !scored {
				continue
			}
		}
		v, ok := positiveWords[w]
		if !ok {
			if n, neg := negativeWords[w]; neg {
				v, ok = -n, true
			}
		}
		if !ok {
			continue
		}
		if flip && !negators[w] {
			v = -v
			flip = false
		}
		sum += v
		hits++
	}
	if hits == 0 {
		return 0
	}
	score := sum / float64(hits)
	if strings.Count(text, "!") >= 2 && score < 0 {
		score -= 0.1
	}
	return max(-1, min(1, score))
}

func Label(score float64) string {
	switch {
	case score <= -0.2:
		return "negative"
	case score >= 0.2:
		return "positive"
	default:
		return "neutral"
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
