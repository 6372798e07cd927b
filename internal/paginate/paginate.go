// Package paginate walks paginated upstream listings.
package paginate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrLoop is returned when an upstream hands back a next-page locator that was
// already visited during the same walk.
var ErrLoop = errors.New("pagination loop detected")

// Page is a single page of results plus the locator of the following page.
// An empty Next ends the walk.
type Page[T any] struct {
	Items []T
	Next  string
}

// FetchFunc fetches the page addressed by locator.
type FetchFunc[T any] func(ctx context.Context, locator string) (Page[T], error)

// Walk fetches first and then every page it links to, returning all items in
// page order. Any fetch error aborts the walk and no items are returned.
func Walk[T any](ctx context.Context, first string, fetch FetchFunc[T]) ([]T, error) {
	var all []T
	seen := make(map[string]bool)

	locator := first
	for page := 1; locator != ""; page++ {
		if seen[locator] {
			return nil, fmt.Errorf("%w: %s", ErrLoop, locator)
		}
		seen[locator] = true

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := fetch(ctx, locator)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}

		all = append(all, p.Items...)
		locator = p.Next
	}

	return all, nil
}

var nextLinkRe = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// NextLink extracts the next page URL from a Link header.
// Link header format: <url>; rel="next", <url>; rel="last"
func NextLink(header string) string {
	if header == "" {
		return ""
	}

	matches := nextLinkRe.FindStringSubmatch(header)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}
