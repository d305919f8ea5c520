package inbound

import "regexp"

var mediaPlaceholder = regexp.MustCompile(`<media:(\w+)>`)

// attachMediaPath rewrites the first <media:KIND> token in body to
// <media:KIND path="...">. The path is inserted literally. It returns the
// body unchanged and false when path is empty or no token is present.
func attachMediaPath(body, path string) (string, bool) {
	if path == "" {
		return body, false
	}
	loc := mediaPlaceholder.FindStringSubmatchIndex(body)
	if loc == nil {
		return body, false
	}
	kind := body[loc[2]:loc[3]]
	return body[:loc[0]] + `<media:` + kind + ` path="` + path + `">` + body[loc[1]:], true
}
