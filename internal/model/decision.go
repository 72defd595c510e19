package model

// SimilarityCandidate 相似度索引返回的只读投影
type SimilarityCandidate struct {
	ID             string   `json:"id"`
	Score          float64  `json:"score"`
	Category       Category `json:"category"`
	SenderDomain   string   `json:"sender_domain"`
	BusinessName   string   `json:"business_name,omitempty"`
	ContactAddress string   `json:"contact_address,omitempty"`
}

// IndexEntry is what the similarity index stores per record.
type IndexEntry struct {
	ID             string
	Embedding      []float32
	Category       Category
	SenderDomain   string
	BusinessName   string
	ContactAddress string
}

// EntryFromRecord projects a classified record into an index entry.
func EntryFromRecord(r *EmailRecord) IndexEntry {
	e := IndexEntry{
		ID:           r.ID,
		Embedding:    r.Embedding,
		Category:     r.CategoryValue(),
		SenderDomain: r.SenderDomain,
	}
	if r.BusinessName != nil {
		e.BusinessName = *r.BusinessName
	}
	if r.ContactAddress != nil {
		e.ContactAddress = *r.ContactAddress
	}
	return e
}

// ClassificationDecision 置信度评分器的输出
type ClassificationDecision struct {
	Category      Category `json:"category,omitempty"`
	Confidence    float64  `json:"confidence"`
	Source        Source   `json:"source,omitempty"`
	NeedsFallback bool     `json:"needs_fallback"`
	// Match is the candidate the decision was based on, if any.
	Match *SimilarityCandidate `json:"-"`
}

// CommitResult is returned by the result committer.
type CommitResult struct {
	Record   *EmailRecord
	Degraded bool
	IndexErr error
}
