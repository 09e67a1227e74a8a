package nn

// RankedPrediction is one class from the top-k list
type RankedPrediction struct {
	LabelID     string  `json:"labelId"`
	CommonName  string  `json:"commonName"`
	Category    string  `json:"category"`
	ClassIndex  int     `json:"classIndex"`
	Probability float64 `json:"probability"`
}

// ConfidenceDecision is the final outcome of classifying one image.
// If Confident is false, the caller should present the result as "unsure".
type ConfidenceDecision struct {
	Predictions []RankedPrediction `json:"predictions"` // Highest probability first
	Confident   bool               `json:"confident"`
}

// Return the top-1 prediction, or nil if there are no predictions
func (d *ConfidenceDecision) Best() *RankedPrediction {
	if len(d.Predictions) == 0 {
		return nil
	}
	return &d.Predictions[0]
}
