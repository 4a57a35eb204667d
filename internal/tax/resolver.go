package tax

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// Wildcard matches any value of an address part.
const Wildcard = "*"

// RateRow is one line of a tax class's rate table.
type RateRow struct {
	Country  string          `json:"country"`
	State    string          `json:"state"`
	Zip      string          `json:"zip"`
	City     string          `json:"city"`
	Rate     decimal.Decimal `json:"rate"`
	Priority int             `json:"priority"`
	Compound bool            `json:"compound"`
	Name     string          `json:"name"`
}

// Class is a tax class and its rows in stored order.
type Class struct {
	ID    int64     `json:"id"`
	Code  string    `json:"code"`
	Name  string    `json:"name"`
	Rates []RateRow `json:"rates"`
}

// Rate is a resolved tax rate. Rate is a percentage.
type Rate struct {
	Name     string          `json:"name"`
	Rate     decimal.Decimal `json:"rate"`
	Compound bool            `json:"compound"`
	Priority int             `json:"priority"`
}

// ResolveUpToTwoRates picks at most two rows of class for addr. Each pass
// takes the first matching row in stored order whose priority was not used
// by an earlier pass. Added rates come before compound ones in the result.
func ResolveUpToTwoRates(class Class, addr *pricing.Address) []Rate {
	target := normalizeAddress(addr)
	used := map[int]bool{}
	picked := make([]Rate, 0, 2)
	for pass := 0; pass < 2; pass++ {
		found := false
		for _, row := range class.Rates {
			if used[row.Priority] || !row.matches(target) {
				continue
			}
			used[row.Priority] = true
			picked = append(picked, Rate{Name: row.Name, Rate: row.Rate, Compound: row.Compound, Priority: row.Priority})
			found = true
			break
		}
		if !found {
			break
		}
	}

	out := make([]Rate, 0, len(picked))
	for _, r := range picked {
		if !r.Compound {
			out = append(out, r)
		}
	}
	for _, r := range picked {
		if r.Compound {
			out = append(out, r)
		}
	}
	return out
}

type normalized struct {
	country, state, zip, city string
}

func normalizeAddress(addr *pricing.Address) normalized {
	if addr == nil {
		return normalized{}
	}
	return normalized{
		country: normalizePart(addr.Country),
		state:   normalizePart(addr.State),
		zip:     normalizeCompact(addr.Zip),
		city:    normalizeCompact(addr.City),
	}
}

func (r RateRow) matches(n normalized) bool {
	return partMatches(normalizePart(r.Country), n.country) &&
		partMatches(normalizePart(r.State), n.state) &&
		partMatches(normalizeCompact(r.Zip), n.zip) &&
		partMatches(normalizeCompact(r.City), n.city)
}

// partMatches treats an empty row value like the wildcard.
func partMatches(row, value string) bool {
	if row == "" || row == Wildcard {
		return true
	}
	return row == value
}

func normalizePart(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func normalizeCompact(s string) string {
	s = strings.TrimSpace(s)
	if s == Wildcard {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return -1
		}
		return r
	}, strings.ToUpper(s))
}
