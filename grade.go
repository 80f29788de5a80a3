package main

import "strings"

type gradeResult struct {
	isCorrect       bool
	canonicalAnswer string
}

// normalizeResponse fixes the free-response grading policy: leading and
// trailing whitespace is ignored and comparison is case-insensitive.
// Anything stricter punishes typing on a phone; anything fuzzier is not
// grading against a key anymore.
func normalizeResponse(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// grade evaluates a response against the round's frozen answer key. Pure and
// deterministic: identical inputs always yield identical results.
//
// MCQ responses and keys are choice indices as strings; the canonical answer
// is the key index, which clients resolve against their copy of the
// broadcast choices. FRQ responses match the key after normalization and the
// canonical answer is the key verbatim.
func grade(question Question, answerKey, response string) gradeResult {
	result := gradeResult{
		canonicalAnswer: answerKey,
	}

	switch question.Type {
	case mcqType:
		result.isCorrect = response == answerKey
	case frqType:
		result.isCorrect = normalizeResponse(response) == normalizeResponse(answerKey)
	}

	return result
}
