package orchestrator

import "govchat-api/internal/domain"

// FilterCitations drops citations without a usable link, keeping order.
// It never deduplicates.
func FilterCitations(in []domain.Citation) []domain.Citation {
	out := make([]domain.Citation, 0, len(in))
	for _, c := range in {
		if !c.HasLink() {
			continue
		}
		out = append(out, c)
	}
	return out
}
