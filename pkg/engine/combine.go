package engine

import "returnflow/pkg/models"

// ReviewConfidence is the AI confidence below which a decision always needs
// a human.
const ReviewConfidence = 0.7

// Combine merges policy compliance and the AI assessment into the final
// action and whether a human has to look at it.
func Combine(c models.Compliance, decision models.Decision, confidence float64) (models.FinalAction, bool) {
	review := decision == models.DecisionHumanReview ||
		!c.WithinReturnWindow ||
		!c.ValidReason ||
		confidence < ReviewConfidence
	return finalAction(c, decision), review
}

// Window and reason failures override any AI outcome.
func finalAction(c models.Compliance, decision models.Decision) models.FinalAction {
	if !c.WithinReturnWindow || !c.ValidReason {
		return models.FinalHumanReview
	}
	if decision == models.DecisionHumanReview {
		return models.FinalHumanReview
	}
	if decision == models.DecisionAutoApprove && c.BelowThreshold {
		return models.FinalCreateReturnRequest
	}
	return models.FinalHumanReview
}
