package domain

import "fmt"

// SelectionPolicy decides which detection of a result is displayed.
type SelectionPolicy string

const (
	// SelectFirst trusts the service ordering and shows the first detection.
	SelectFirst SelectionPolicy = "first"
	// SelectMaxScore shows the detection with the highest score; ties keep
	// the earliest one.
	SelectMaxScore SelectionPolicy = "max_score"
)

// ParseSelectionPolicy maps a configuration value onto a policy.
func ParseSelectionPolicy(value string) (SelectionPolicy, error) {
	switch SelectionPolicy(value) {
	case "", SelectFirst:
		return SelectFirst, nil
	case SelectMaxScore:
		return SelectMaxScore, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", value)
	}
}

// Select picks the displayed detection. An empty result is a parse error.
func (p SelectionPolicy) Select(result ClassificationResult) (Detection, error) {
	if len(result) == 0 {
		return Detection{}, ParseError(errNoDetections)
	}
	switch p {
	case SelectMaxScore:
		best := result[0]
		for _, d := range result[1:] {
			if d.Score > best.Score {
				best = d
			}
		}
		return best, nil
	default:
		return result[0], nil
	}
}
