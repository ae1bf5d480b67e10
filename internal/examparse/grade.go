package examparse

import (
	"strings"

	"github.com/pavelanni/studyaide/internal/model"
)

// GradeChoices grades the multiple-choice questions locally. A user answer
// is accepted as either the option letter or the option text, whatever
// the correctAnswer policy of the exam. Written questions are skipped.
func GradeChoices(questions []model.Question, answers map[int]string) []model.ChoiceResult {
	var results []model.ChoiceResult
	for _, q := range questions {
		if q.Type != model.QuestionMultipleChoice {
			continue
		}
		user := answers[q.ID]
		results = append(results, model.ChoiceResult{
			QuestionID:    q.ID,
			UserAnswer:    user,
			CorrectAnswer: q.CorrectAnswer,
			IsCorrect:     q.CorrectAnswer != "" && canonical(q, user) == canonical(q, q.CorrectAnswer),
		})
	}
	return results
}

// canonical maps an answer to its option text when it is a letter.
func canonical(q model.Question, answer string) string {
	answer = strings.TrimSpace(answer)
	if len(answer) == 1 {
		idx := int(strings.ToLower(answer)[0] - 'a')
		if idx >= 0 && idx < len(q.Options) {
			answer = q.Options[idx]
		}
	}
	return strings.ToLower(answer)
}
