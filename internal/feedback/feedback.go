package feedback

import (
	"fmt"
	"math"
	"strings"
)

// Banner messages shown above the feedback card
const (
	BannerNotDetected = "Sounds not detected"
	BannerGood        = "Good Answer"
	BannerClarity     = "Clarity will make you win"
	BannerPractice    = "Keep practicing"
	BannerTryAgain    = "Try again"
)

// Feedback is the scored result of one recording attempt
type Feedback struct {
	EffortDelivery  string `json:"effortDelivery"`
	ContentSignals  string `json:"contentSignals"`
	ImprovementHint string `json:"improvementHint"`
	Score           int    `json:"score"`
	FeedbackMessage string `json:"feedbackMessage"`
}

// Fallback is emitted when a recording fails part way so the user is never left waiting.
func Fallback() Feedback {
	return Feedback{
		EffortDelivery:  "Thank you for recording your answer.",
		ContentSignals:  "I'm processing your response.",
		ImprovementHint: "Try to speak clearly and include your experience.",
		Score:           0,
		FeedbackMessage: BannerNotDetected,
	}
}

// commonElement is a topic every interview answer benefits from, checked regardless of the question.
type commonElement struct {
	name     string
	keywords []string
}

var commonElements = []commonElement{
	{name: "name", keywords: []string{"my name", "i'm", "i am", "call me"}},
	{name: "experience", keywords: []string{"experience", "worked", "years", "worked as"}},
	{name: "skills", keywords: []string{"good at", "skilled", "ability", "can"}},
	{name: "motivation", keywords: []string{"want", "like", "enjoy", "interested", "because"}},
}

// Generate scores a transcript against the question's content signals.
// Matching is plain substring search on the lowercased transcript.
func Generate(transcript string, signals []string, durationSeconds int) Feedback {
	lower := strings.ToLower(transcript)
	degenerate := durationSeconds <= 0 || strings.TrimSpace(transcript) == ""

	found := FoundSignals(lower, signals)

	fb := Feedback{
		EffortDelivery:  effortDelivery(durationSeconds, degenerate),
		ContentSignals:  contentText(found),
		ImprovementHint: improvementHint(found, signals, durationSeconds),
	}

	if !degenerate {
		score := 30.0 + float64(durationBonus(durationSeconds))
		score += float64(len(found)) / float64(max(len(signals), 1)) * 40
		fb.Score = int(math.Round(score))
	}
	fb.Score = min(100, max(0, fb.Score))
	fb.FeedbackMessage = banner(fb.Score, degenerate)
	return fb
}

// FoundSignals returns the declared signals present in the lowercased transcript,
// followed by any common elements not already listed.
func FoundSignals(lowerTranscript string, signals []string) []string {
	var found []string
	for _, signal := range signals {
		s := strings.ToLower(signal)
		if s == "" {
			continue
		}
		if strings.Contains(lowerTranscript, s) ||
			strings.Contains(lowerTranscript, s+"s") ||
			strings.Contains(lowerTranscript, s+"ed") {
			found = append(found, signal)
		}
	}

	for _, el := range commonElements {
		if !containsAny(lowerTranscript, el.keywords) {
			continue
		}
		if !contains(found, el.name) {
			found = append(found, el.name)
		}
	}
	return found
}

func effortDelivery(d int, degenerate bool) string {
	switch {
	case degenerate:
		return "I didn't catch your answer. Please try recording again."
	case d < 10:
		return fmt.Sprintf("You spoke for about %d seconds. Try to speak a bit longer to give a complete answer.", d)
	case d < 20:
		return fmt.Sprintf("You spoke for about %d seconds. Good length for your answer.", d)
	default:
		return fmt.Sprintf("You spoke clearly for about %d seconds. Well done on the length of your answer.", d)
	}
}

func contentText(found []string) string {
	switch len(found) {
	case 0:
		return "I'm listening to your answer. Try to include your name, experience, or why you want this job."
	case 1:
		return fmt.Sprintf("I heard you mention %s. Good start! Try adding more details about your experience or motivation.", found[0])
	case 2:
		return fmt.Sprintf("I heard you mention %s and %s. That's good!", found[0], found[1])
	default:
		last := len(found) - 1
		return fmt.Sprintf("I heard you mention %s, and %s. Great job covering the important points!",
			strings.Join(found[:last], ", "), found[last])
	}
}

func improvementHint(found, signals []string, d int) string {
	var missing []string
	for _, s := range signals {
		if !contains(found, strings.ToLower(s)) {
			missing = append(missing, s)
		}
	}

	switch {
	case len(missing) > 0 && len(found) < 2:
		return fmt.Sprintf("Try adding more about %s to make your answer stronger.", missing[0])
	case d < 15:
		return "You can add more details or examples to make your answer longer and more complete."
	case len(found) >= len(signals)-1:
		return "Your answer covers the important points well. Keep practicing to feel more confident!"
	default:
		return "Your answer is good. Try to speak a bit slower and clearer next time."
	}
}

// durationBonus is the tiered length bonus, at most 30 points.
func durationBonus(d int) int {
	switch {
	case d >= 20:
		return 30
	case d >= 15:
		return 25
	case d >= 10:
		return 20
	case d >= 5:
		return 10
	default:
		return 0
	}
}

func banner(score int, degenerate bool) string {
	switch {
	case degenerate || score == 0:
		return BannerNotDetected
	case score >= 80:
		return BannerGood
	case score >= 60:
		return BannerClarity
	case score >= 40:
		return BannerPractice
	default:
		return BannerTryAgain
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
