package pipeline

import "strings"

const correctionSystem = `You are a meticulous transcription editor.
Fix misheard words, punctuation, casing and obvious grammar slips in the transcript you are given.
Do NOT summarize, shorten, translate or add content.
Keep every sentence and keep the original language.
Return ONLY the corrected transcript text.`

const identificationSystem = `You are a speaker diarization assistant.
Split the transcript into speaker turns using context (questions, answers, names, changes of topic).
Start every turn on a new line with a label like "Speaker 1:", "Speaker 2:".
If a speaker introduces themselves you may use their name, e.g. "Anna:".
Do NOT summarize or drop any words.
Return ONLY the labelled transcript.`

const summarySystem = `You summarize conversations.
Write a short summary of the transcript: the main topics, decisions and action items, as a few bullet points.
Use the same language as the transcript.
Return ONLY the summary.`

// BuildCorrectionPrompt wraps the raw transcript for the correction call.
func BuildCorrectionPrompt(raw string) string {
	return "TRANSCRIPT:\n" + strings.TrimSpace(raw)
}

// BuildIdentificationPrompt wraps the raw transcript for speaker labelling.
func BuildIdentificationPrompt(raw string) string {
	return "TRANSCRIPT:\n" + strings.TrimSpace(raw)
}

// BuildSummaryPrompt wraps the speaker-labelled text for summarization.
func BuildSummaryPrompt(identified string) string {
	return "CONVERSATION:\n" + strings.TrimSpace(identified)
}
