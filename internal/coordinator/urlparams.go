package coordinator

import (
	"net/url"
	"strings"
)

// URL parameters mirrored from session state
const (
	ParamStartDate = "startDate"
	ParamEndDate   = "endDate"
	ParamFirm      = "firm"
)

// UpsertParam replaces param in rawURL with value, or removes it when value
// is nil. Other parameters keep their position; the updated one goes last.
func UpsertParam(rawURL, param string, value *string) string {
	base, fragment := rawURL, ""
	if i := strings.Index(base, "#"); i >= 0 {
		base, fragment = base[:i], base[i:]
	}

	query := ""
	if i := strings.Index(base, "?"); i >= 0 {
		base, query = base[:i], base[i+1:]
	}

	var kept []string
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		key := pair
		if i := strings.Index(pair, "="); i >= 0 {
			key = pair[:i]
		}
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if key == param {
			continue
		}
		kept = append(kept, pair)
	}

	if value != nil {
		kept = append(kept, url.QueryEscape(param)+"="+url.QueryEscape(*value))
	}

	if len(kept) == 0 {
		return base + fragment
	}
	return base + "?" + strings.Join(kept, "&") + fragment
}

// Params returns the decoded query parameters of rawURL. Malformed pairs are skipped.
func Params(rawURL string) url.Values {
	u, err := url.Parse(rawURL)
	if err != nil {
		return url.Values{}
	}
	values, _ := url.ParseQuery(u.RawQuery)
	if values == nil {
		return url.Values{}
	}
	return values
}

func strPtr(s string) *string {
	return &s
}
