package highlight

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment is one piece of an example answer. Concatenating every segment's
// Text in order reproduces the answer exactly.
type Segment struct {
	Text          string `json:"text"`
	IsHighlighted bool   `json:"isHighlighted"`
	Description   string `json:"description,omitempty"`
	Signal        string `json:"signal,omitempty"`
}

// Span is a highlighted byte range of the answer.
type Span struct {
	Start       int
	End         int
	Text        string
	Description string
	Signal      string
}

var descriptions = map[string]string{
	"name":            "your name",
	"experience":      "years of experience",
	"skills":          "your skills",
	"motivation":      "why you want this job",
	"personality":     "your personality",
	"enjoyment":       "what you enjoy",
	"strengths":       "your strengths",
	"reliability":     "your reliability",
	"teamwork":        "working in a team",
	"calm":            "staying calm",
	"listening":       "listening skills",
	"problem-solving": "problem-solving",
	"professional":    "being professional",
	"learning":        "learning opportunities",
	"opportunities":   "opportunities",
	"family":          "your family",
}

var keywords = map[string][]string{
	"name":            {"my name is", "i'm", "i am", "call me"},
	"experience":      {"years of experience", "years", "experience", "worked"},
	"skills":          {"good at", "skilled", "ability", "can", "skills"},
	"motivation":      {"want to", "because", "like to", "interested"},
	"personality":     {"personality", "i'm", "i am"},
	"enjoyment":       {"enjoy", "like", "love"},
	"strengths":       {"strengths", "strong"},
	"reliability":     {"reliable", "on time", "always"},
	"teamwork":        {"team", "together", "help"},
	"calm":            {"calm", "stay calm"},
	"listening":       {"listen", "listening"},
	"problem-solving": {"solution", "solve", "find"},
	"professional":    {"professional", "polite"},
	"learning":        {"learn", "learning", "improve"},
	"opportunities":   {"opportunities", "chance"},
	"family":          {"family", "help my"},
}

var (
	nameRe     = regexp.MustCompile(`^([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	yearsRe    = regexp.MustCompile(`(?i)(\d+\s+years?)`)
	skillRe    = regexp.MustCompile(`(?i)^(?:at|in)\s+([^.,]+?)(?:\.|,|$)`)
	skillObjRe = regexp.MustCompile(`^([^.,]+?)(?:\.|,|$)`)
)

// maxExtension bounds how many non-space characters a generic match grows by.
const maxExtension = 25

// Description returns the human readable label for a signal.
func Description(signal string) string {
	if d, ok := descriptions[strings.ToLower(signal)]; ok {
		return d
	}
	return "your " + signal
}

// Keywords returns the phrases that locate a signal in an answer.
func Keywords(signal string) []string {
	if kw, ok := keywords[strings.ToLower(signal)]; ok {
		return kw
	}
	return []string{strings.ToLower(signal)}
}

// Parse splits answer into plain and highlighted segments for the given signals.
func Parse(answer string, signals []string) []Segment {
	spans := FindSpans(answer, signals)

	var segments []Segment
	cur := 0
	for _, sp := range spans {
		if sp.Start > cur {
			segments = append(segments, Segment{Text: answer[cur:sp.Start]})
		}
		segments = append(segments, Segment{
			Text:          sp.Text,
			IsHighlighted: true,
			Description:   sp.Description,
			Signal:        sp.Signal,
		})
		cur = sp.End
	}
	if cur < len(answer) {
		segments = append(segments, Segment{Text: answer[cur:]})
	}

	if len(segments) == 0 {
		segments = append(segments, Segment{Text: answer})
	}
	return segments
}

// FindSpans locates, merges and orders the highlighted spans of answer.
// Overlapping spans are merged and their descriptions joined.
func FindSpans(answer string, signals []string) []Span {
	lower := lowerSameWidth(answer)

	type key struct {
		start, end int
		signal     string
	}
	seen := make(map[key]bool)
	var parts []Span

	for _, signal := range signals {
		if signal == "" {
			continue
		}
		description := Description(signal)

		for _, kw := range Keywords(signal) {
			kw = lowerSameWidth(kw)
			if kw == "" {
				continue
			}
			from := 0
			for {
				i := strings.Index(lower[from:], kw)
				if i < 0 {
					break
				}
				index := from + i

				start, end := locate(answer, strings.ToLower(signal), kw, index)
				start, end = trimBounds(answer, start, end)

				k := key{start, end, signal}
				if utf8.RuneCountInString(answer[start:end]) > 2 && !seen[k] {
					seen[k] = true
					parts = append(parts, Span{
						Start:       start,
						End:         end,
						Text:        answer[start:end],
						Description: description,
						Signal:      signal,
					})
				}

				from = index + 1
			}
		}
	}

	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })

	var merged []Span
	for _, p := range parts {
		if n := len(merged); n > 0 && p.Start < merged[n-1].End {
			last := &merged[n-1]
			last.End = max(last.End, p.End)
			last.Text = answer[last.Start:last.End]
			if !strings.Contains(last.Description, p.Description) {
				last.Description = last.Description + ", " + p.Description
			}
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

// locate returns the raw span for a keyword hit at index, narrowed for the
// signals that carry a customisable value.
func locate(answer, signal, kw string, index int) (int, int) {
	start, end := index, index+len(kw)

	switch signal {
	case "name":
		rest, lead := trimLeft(answer[end:])
		if m := nameRe.FindStringSubmatchIndex(rest); m != nil {
			return end + lead + m[2], end + lead + m[3]
		}
		return start, forward(answer, end+15)

	case "experience":
		ws := backward(answer, max(0, start-10))
		we := forward(answer, end+20)
		if m := yearsRe.FindStringSubmatchIndex(answer[ws:we]); m != nil {
			return ws + m[2], ws + m[3]
		}
		return backward(answer, max(0, start-5)), forward(answer, end+10)

	case "skills":
		rest, lead := trimLeft(answer[end:])
		re := skillRe
		if strings.HasSuffix(kw, " at") || strings.HasSuffix(kw, " in") {
			re = skillObjRe
		}
		if m := re.FindStringSubmatchIndex(rest); m != nil {
			s := end + lead + m[2]
			return s, s + len(strings.TrimRightFunc(rest[m[2]:m[3]], unicode.IsSpace))
		}
		return start, forward(answer, end+20)
	}

	count := 0
	for end < len(answer) && count < maxExtension {
		r, size := utf8.DecodeRuneInString(answer[end:])
		if r == '.' || r == '!' || r == '?' {
			break
		}
		if r == ',' && count >= 5 {
			break
		}
		end += size
		if r != ' ' {
			count++
		}
	}
	return start, end
}

// lowerSameWidth lowercases s rune by rune, keeping any rune whose lowercase
// form has a different encoded width so byte offsets stay aligned with s.
func lowerSameWidth(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		l := unicode.ToLower(r)
		if r == utf8.RuneError || utf8.RuneLen(l) != size {
			b.WriteString(s[i : i+size])
		} else {
			b.WriteRune(l)
		}
		i += size
	}
	return b.String()
}

func trimLeft(s string) (string, int) {
	t := strings.TrimLeftFunc(s, unicode.IsSpace)
	return t, len(s) - len(t)
}

// trimBounds shrinks [start,end) so it neither starts nor ends with whitespace.
func trimBounds(s string, start, end int) (int, int) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if !unicode.IsSpace(r) {
			break
		}
		end -= size
	}
	return start, end
}

// forward clamps i to len(s) and moves it onto the next rune boundary.
func forward(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}

// backward moves i back onto a rune boundary.
func backward(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}
