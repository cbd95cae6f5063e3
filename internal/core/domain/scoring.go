package domain

import "math"

// Score weights and the review floor.
const (
	ScoreWeightLive          = 30
	ScoreWeightFaceMatch     = 40
	ScoreWeightDocumentValid = 25
	ScoreReviewThreshold     = 60
)

const (
	DecisionAccepted = "accepted"
	DecisionReview   = "review"
	DecisionRejected = "rejected"
)

// ComputeScore derives the decision from whatever results are present.
// Missing results simply contribute nothing.
func ComputeScore(res JobResult, rules JobRules) ScoreResult {
	var score float64
	reasons := []string{}

	if res.Liveness != nil {
		if res.Liveness.IsLive {
			score += ScoreWeightLive
		} else {
			reasons = append(reasons, "liveness_not_live")
		}
	}
	if res.FaceMatch != nil {
		if res.FaceMatch.Similarity >= rules.MinSimilarity {
			score += ScoreWeightFaceMatch
		} else {
			reasons = append(reasons, "similarity_below_minimum")
		}
	}
	if res.Validate != nil {
		if res.Validate.DocumentValid {
			score += ScoreWeightDocumentValid
		} else {
			reasons = append(reasons, "document_invalid")
		}
	}

	decision := DecisionRejected
	switch {
	case score >= rules.MinScoreAccept:
		decision = DecisionAccepted
	case score >= ScoreReviewThreshold:
		decision = DecisionReview
	}

	return ScoreResult{
		Value:    math.Round(score*100) / 100,
		Decision: decision,
		Reasons:  reasons,
	}
}
