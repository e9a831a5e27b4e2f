package voltaic

import "fmt"

// Vote is a pure function: it tallies normalised (prediction, confidence)
// pairs from successful node results into a VoteOutcome. It never touches
// the network, the registry, or any session state.
//
// Rules:
//   - Results without Status == "success" are ignored.
//   - If no result remains, Decision is nil with confidence 0.
//   - Equal vote counts for class 0 and 1 is a tie: Decision is nil.
//   - Otherwise Decision is the class with more votes, and Confidence is the
//     mean of that class's confidences.
func Vote(results []NodeResult) VoteOutcome {
	votes := map[int]int{0: 0, 1: 0}
	var confSums [2]float64
	total := 0

	for _, r := range results {
		if r.Status != "success" {
			continue
		}
		votes[r.Prediction]++
		confSums[r.Prediction] += r.Confidence
		total++
	}

	out := VoteOutcome{
		Votes:       votes,
		TotalVotes:  total,
		TotalModels: len(results),
	}

	if total == 0 {
		out.Message = "No models returned valid predictions"
		return out
	}

	if votes[0] == votes[1] {
		out.Message = "Tie: votes split evenly between classes"
		return out
	}

	decision := 0
	if votes[1] > votes[0] {
		decision = 1
	}
	out.Decision = &decision
	out.Confidence = confSums[decision] / float64(votes[decision])
	out.Message = fmt.Sprintf("Class %d won by %d votes", decision, votes[decision])
	return out
}
