package credit

import "sort"

// SortForDeduction orders grants by consumption priority: subscription before
// promo before topup; within a class earliest expiry first with non-expiring
// grants last; ties broken by creation time.
func SortForDeduction(grants []Grant) {
	sort.SliceStable(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		if ra, rb := a.Source.Rank(), b.Source.Rank(); ra != rb {
			return ra < rb
		}
		switch {
		case a.ExpiresAt.IsZero() && b.ExpiresAt.IsZero():
		case a.ExpiresAt.IsZero():
			return false
		case b.ExpiresAt.IsZero():
			return true
		case !a.ExpiresAt.Equal(b.ExpiresAt):
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}
