// Package sentiment scores chat turns with a lightweight keyword model.
// It backs the sentiment field of chat responses and needs no model call,
// so it keeps working when the assistant backend is down.
package sentiment

import (
	"strings"
)

// Label is the sentiment tag reported alongside assistant responses.
type Label string

const (
	Neutral    Label = "neutral"
	Calm       Label = "calm"
	Hopeful    Label = "hopeful"
	Anxious    Label = "anxious"
	Low        Label = "low"
	Distressed Label = "distressed"
	Frustrated Label = "frustrated"
)

// Decision carries the inferred label and its keyword score.
type Decision struct {
	Sentiment Label
	Score     int
}

var keywordBuckets = map[Label][]string{
	Calm: {
		"calm", "relaxed", "at ease", "peaceful", "settled", "grounded", "breathing",
		"slower", "better now", "okay now", "resting",
	},
	Hopeful: {
		"hopeful", "looking forward", "excited", "progress", "improving", "proud",
		"grateful", "thankful", "good day", "small win", "finally", "relieved",
	},
	Anxious: {
		"anxious", "anxiety", "worried", "worry", "nervous", "on edge", "panic",
		"racing", "can't stop thinking", "overthinking", "what if", "restless", "tense",
	},
	Low: {
		"sad", "down", "low", "empty", "numb", "tired of", "exhausted", "lonely",
		"alone", "hopeless", "worthless", "crying", "cried", "can't get up", "pointless",
	},
	Distressed: {
		"overwhelmed", "can't cope", "breaking down", "falling apart", "desperate",
		"unbearable", "too much", "drowning", "crisis", "terrified", "scared",
	},
	Frustrated: {
		"angry", "furious", "frustrated", "fed up", "sick of", "annoyed", "unfair",
		"rage", "hate", "irritated",
	},
}

// labelOrder fixes how score ties resolve: earlier labels win, so distress
// outranks everything else at equal strength and repeated analysis of one
// utterance always yields the same label.
var labelOrder = []Label{Distressed, Anxious, Low, Frustrated, Hopeful, Calm}

// Analyze infers the sentiment of a turn from the user's words, with the
// assistant's reply as a tiebreaker. The user's state is what the product
// reports, so the user utterance dominates.
func Analyze(userUtterance, assistantUtterance string) Decision {
	userScore := scoreText(userUtterance)
	if userScore.Score > 0 {
		return userScore
	}

	assistantScore := scoreText(assistantUtterance)
	if assistantScore.Score > 0 {
		// A purely soothing reply maps back to a calmer user state.
		if assistantScore.Sentiment == Distressed || assistantScore.Sentiment == Low {
			return Decision{Sentiment: assistantScore.Sentiment, Score: assistantScore.Score}
		}
		return Decision{Sentiment: Calm, Score: assistantScore.Score}
	}

	return Decision{Sentiment: Neutral}
}

func scoreText(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Decision{Sentiment: Neutral}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	// Heavy punctuation reads as intensity, not a category of its own.
	exclamations := strings.Count(text, "!")
	if exclamations > 0 {
		for _, label := range []Label{Anxious, Distressed, Frustrated} {
			if scores[label] > 0 {
				scores[label] += exclamations
			}
		}
	}

	best := Decision{Sentiment: Neutral}
	for _, label := range labelOrder {
		if score := scores[label]; score > best.Score {
			best = Decision{Sentiment: label, Score: score}
		}
	}

	return best
}
