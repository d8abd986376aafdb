package util

import (
	"net/url"
	"strings"
)

// RedactUserInfo strips credentials from a URL string so it can be logged.
// Invalid URLs are returned with everything before '@' masked, which errs on
// the side of hiding too much.
func RedactUserInfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if at := strings.LastIndexByte(raw, '@'); at >= 0 {
			if scheme := strings.Index(raw, "://"); scheme >= 0 && scheme < at {
				return raw[:scheme+3] + "***@" + raw[at+1:]
			}
			return "***@" + raw[at+1:]
		}
		return raw
	}
	if u.User == nil {
		return raw
	}
	u.User = url.User("***")
	return u.String()
}
