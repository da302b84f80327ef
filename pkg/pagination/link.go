package pagination

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// LastPage returns the page number of the rel="last" link in the Link
// header, or 0 when the response is not paginated.
func LastPage(header http.Header) int {
	for _, value := range header.Values("Link") {
		for _, link := range strings.Split(value, ",") {
			target, params, ok := strings.Cut(strings.TrimSpace(link), ";")
			if !ok || !hasRel(params, "last") {
				continue
			}
			target = strings.TrimSpace(target)
			target = strings.TrimSuffix(strings.TrimPrefix(target, "<"), ">")

			u, err := url.Parse(target)
			if err != nil {
				continue
			}
			page, err := strconv.Atoi(u.Query().Get("page"))
			if err != nil || page < 1 {
				continue
			}
			return page
		}
	}
	return 0
}

func hasRel(params, rel string) bool {
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "rel") {
			continue
		}
		for _, r := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
			if r == rel {
				return true
			}
		}
	}
	return false
}

// pageURL sets the page and per_page query parameters on endpoint.
func pageURL(endpoint string, page, perPage int) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
