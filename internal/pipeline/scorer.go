package pipeline

import (
	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
)

// ScoringPolicy holds the confidence scorer's knobs.
type ScoringPolicy struct {
	Threshold          float64
	DomainMatchBonus   float64
	RelatedDomainBonus float64
}

// Score turns similarity candidates into a routing decision. Bonuses only
// ever raise the nearest candidate's score, and the result is capped at 1.
func Score(candidates []model.SimilarityCandidate, senderDomain string, p ScoringPolicy) model.ClassificationDecision {
	if len(candidates) == 0 {
		return model.ClassificationDecision{NeedsFallback: true}
	}

	top := candidates[0]
	confidence := model.ClampConfidence(top.Score)

	switch {
	case metadata.SameDomain(senderDomain, top.SenderDomain):
		confidence = addBonus(confidence, p.DomainMatchBonus)
	case metadata.RelatedDomain(senderDomain, top.SenderDomain):
		confidence = addBonus(confidence, p.RelatedDomainBonus)
	}

	// 不在分类体系内的历史候选不可信，直接走 fallback
	if confidence < p.Threshold || !top.Category.Valid() {
		return model.ClassificationDecision{
			Confidence:    confidence,
			NeedsFallback: true,
			Match:         &top,
		}
	}

	return model.ClassificationDecision{
		Category:   top.Category,
		Confidence: confidence,
		Source:     model.SourceVectorMatch,
		Match:      &top,
	}
}

func addBonus(v, bonus float64) float64 {
	if bonus <= 0 {
		return v
	}
	v += bonus
	if v > 1 {
		return 1
	}
	return v
}
