// Package hint decides how much help the tutor may give on a turn and produces the system prompt that tells
// the model so.
package hint

import (
	"fmt"

	"github.com/MegaGrindStone/studylock/internal/models"
)

// LevelFor maps the number of user messages in a conversation to a hint level. The first message gets a
// direction-only hint, the second and third partial steps, everything after that fully worked steps.
func LevelFor(userMessageCount int) models.HintLevel {
	switch {
	case userMessageCount <= 1:
		return models.HintLevelDirection
	case userMessageCount <= 3:
		return models.HintLevelPartial
	default:
		return models.HintLevelWorked
	}
}

const basePrompt = `You are StudyLock, a patient study tutor. Your job is to help the student learn how to solve the
problem themselves. Never state the final answer outright, even if the student asks for it directly or
claims they already know it. Answer in the language the student writes in. Keep the reply focused on the
current question and end with one question that invites the student to try the next step.`

var levelPrompts = map[models.HintLevel]string{
	models.HintLevelDirection: `Hint level 1 of 3 (direction only): point to the concept, formula or first idea the student should
think about. Do not write out any solution steps. One or two short paragraphs at most.`,
	models.HintLevelPartial: `Hint level 2 of 3 (partial steps): outline the first steps of the method and show how to start
them, then stop and let the student carry out the remaining steps. Do not complete the calculation.`,
	models.HintLevelWorked: `Hint level 3 of 3 (full worked steps): walk through every step of the method in detail with
intermediate results, but stop right before the final result and ask the student to finish the last step.`,
}

const documentPrompt = `The student attached a document. Its text follows in system messages labelled [fragment i/N].
Use it when it is relevant. When you rely on it, cite the fragment label in square brackets, for example
[fragment 2/5], or the page number if the text shows one. If the needed part is missing, say so and ask the
student which page or section to look at.`

// SystemPrompt returns the system instructions for the given level. Passing a level outside 1..3 is a
// programming error and panics.
func SystemPrompt(level models.HintLevel, hasDocument bool) string {
	lp, ok := levelPrompts[level]
	if !ok {
		panic(fmt.Sprintf("hint: invalid level %d", level))
	}

	prompt := basePrompt + "\n\n" + lp
	if hasDocument {
		prompt += "\n\n" + documentPrompt
	}
	return prompt
}
