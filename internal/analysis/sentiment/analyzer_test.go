package sentiment

import "testing"

func TestAnalyzeUserDominates(t *testing.T) {
	decision := Analyze("I've been so anxious all week, I can't stop thinking about it", "That sounds difficult.")
	if decision.Sentiment != Anxious {
		t.Fatalf("expected anxious, got %s", decision.Sentiment)
	}
	if decision.Score == 0 {
		t.Fatal("expected a positive score")
	}
}

func TestAnalyzeDistressOutranks(t *testing.T) {
	decision := Analyze("I'm worried and completely overwhelmed, it's all too much", "")
	if decision.Sentiment != Distressed {
		t.Fatalf("expected distressed to outrank, got %s", decision.Sentiment)
	}
}

func TestAnalyzeNeutralFallback(t *testing.T) {
	decision := Analyze("what time is our next session", "We meet every Tuesday.")
	if decision.Sentiment != Neutral {
		t.Fatalf("expected neutral, got %s", decision.Sentiment)
	}
	if decision.Score != 0 {
		t.Fatalf("expected zero score, got %d", decision.Score)
	}
}

func TestAnalyzeEmptyInput(t *testing.T) {
	if decision := Analyze("", ""); decision.Sentiment != Neutral {
		t.Fatalf("expected neutral for empty input, got %s", decision.Sentiment)
	}
}

func TestAnalyzeTiesAreStable(t *testing.T) {
	// "worried" and "lonely" score anxious and low equally; the label must
	// not flip between runs.
	utterance := "I'm worried and lonely tonight"

	first := Analyze(utterance, "")
	if first.Sentiment != Anxious {
		t.Fatalf("expected anxious to win the tie, got %s", first.Sentiment)
	}
	for i := 0; i < 100; i++ {
		if again := Analyze(utterance, ""); again.Sentiment != first.Sentiment {
			t.Fatalf("tie resolution flipped: %s then %s", first.Sentiment, again.Sentiment)
		}
	}
}

func TestAnalyzeHopeful(t *testing.T) {
	decision := Analyze("small win today, I'm actually looking forward to tomorrow", "")
	if decision.Sentiment != Hopeful {
		t.Fatalf("expected hopeful, got %s", decision.Sentiment)
	}
}
