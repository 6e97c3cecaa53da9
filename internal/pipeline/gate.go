package pipeline

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MinLengthRatio is the shortest acceptable output relative to its input.
const MinLengthRatio = 0.7

// MinCorrectionWords is the word count a corrected transcript must exceed.
const MinCorrectionWords = 10

var speakerLabel = regexp.MustCompile(`(?im)^\s*[\[\*]*\s*(speaker|spk|person|interviewer|interviewee|host|guest|moderator|participant|agent|customer|caller)[\s_-]*[a-z0-9]*\s*[\]\*]*\s*:`)

// Verdict is the outcome of gating one channel.
type Verdict struct {
	Text     string
	Accepted bool
	Reason   string
}

// HasSpeakerLabels reports whether text contains at least one "Speaker N:" style turn.
func HasSpeakerLabels(text string) bool {
	return speakerLabel.MatchString(text)
}

func tooShort(raw, out string) bool {
	return float64(utf8.RuneCountInString(out)) < MinLengthRatio*float64(utf8.RuneCountInString(raw))
}

// GateCorrection keeps the corrected text unless it lost too much of the
// input or is too short to be a real correction.
func GateCorrection(raw, corrected string) Verdict {
	switch {
	case tooShort(raw, corrected):
		return Verdict{Text: raw, Reason: "corrected text shorter than 70% of the transcript"}
	case len(strings.Fields(corrected)) <= MinCorrectionWords:
		return Verdict{Text: raw, Reason: "corrected text has too few words"}
	}
	return Verdict{Text: corrected, Accepted: true}
}

// GateIdentification keeps the labelled text unless it lost too much of the
// input or carries no speaker labels.
func GateIdentification(raw, identified string) Verdict {
	switch {
	case tooShort(raw, identified):
		return Verdict{Text: raw, Reason: "identified text shorter than 70% of the transcript"}
	case !HasSpeakerLabels(identified):
		return Verdict{Text: raw, Reason: "identified text has no speaker labels"}
	}
	return Verdict{Text: identified, Accepted: true}
}
