package model

import (
	"math"
	"slices"
	"strings"
	"time"
)

// Answer is a student's response to one item. Choice kinds use Choices
// (0-based option indices), blank kinds use Blanks in order.
type Answer struct {
	Choices []int    `json:"choices,omitempty"`
	Blanks  []string `json:"blanks,omitempty"`
}

// Submission is a completed exam sent in by a student, keyed by item id.
type Submission struct {
	StudentName string         `json:"student_name"`
	Answers     map[int]Answer `json:"answers"`
}

// ItemResult is the grading outcome of one item.
type ItemResult struct {
	ItemID      int    `json:"item_id"`
	Kind        Kind   `json:"type"`
	Text        string `json:"text"`
	Given       Answer `json:"given"`
	Expected    Answer `json:"expected"`
	Correct     bool   `json:"correct"`
	Explanation string `json:"explanation"`
}

// GradeResult is one graded submission.
type GradeResult struct {
	StudentName string       `json:"student_name"`
	Score       int          `json:"score"`
	Total       int          `json:"total"`
	Percentage  float64      `json:"percentage"`
	Items       []ItemResult `json:"items"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// ResultStats summarizes the percentages of all submissions of an exam.
type ResultStats struct {
	Average float64 `json:"average"`
	Highest float64 `json:"highest"`
	Lowest  float64 `json:"lowest"`
}

// ExamResults lists the submissions of an exam.
type ExamResults struct {
	ExamID        string        `json:"exam_id"`
	TotalStudents int           `json:"total_students"`
	Statistics    ResultStats   `json:"statistics"`
	Students      []GradeResult `json:"students"`
}

// Expected returns the item's correct answer.
func (it Item) Expected() Answer {
	switch {
	case it.Choice != nil:
		return Answer{Choices: slices.Clone(it.Choice.Correct)}
	case it.Blanks != nil:
		return Answer{Blanks: slices.Clone(it.Blanks.Answers)}
	}
	return Answer{}
}

// Check reports whether a answers the item correctly. Choice items need the
// exact set of correct options in any order. Blank answers are compared in
// order, ignoring case and surrounding space.
func (it Item) Check(a Answer) bool {
	switch {
	case it.Choice != nil:
		given := slices.Compact(slices.Sorted(slices.Values(a.Choices)))
		want := slices.Sorted(slices.Values(it.Choice.Correct))
		return slices.Equal(given, want)
	case it.Blanks != nil:
		return slices.EqualFunc(a.Blanks, it.Blanks.Answers, func(got, want string) bool {
			return strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want))
		})
	}
	return false
}

// Grade scores sub against items. Items without an answer count as wrong.
func Grade(items []Item, sub Submission) GradeResult {
	res := GradeResult{
		StudentName: sub.StudentName,
		Total:       len(items),
		Items:       make([]ItemResult, 0, len(items)),
		SubmittedAt: time.Now().UTC(),
	}
	for _, it := range items {
		given := sub.Answers[it.ID]
		ok := it.Check(given)
		if ok {
			res.Score++
		}
		res.Items = append(res.Items, ItemResult{
			ItemID:      it.ID,
			Kind:        it.Kind,
			Text:        it.Text,
			Given:       given,
			Expected:    it.Expected(),
			Correct:     ok,
			Explanation: it.Explanation,
		})
	}
	if res.Total > 0 {
		res.Percentage = math.Round(float64(res.Score)/float64(res.Total)*1000) / 10
	}
	return res
}
