package elsewhere

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/clbanning/mxj/v2"
)

// avatarSizeQuery pins a uniform avatar size on hosts that honor the `s`
// size selector.
const avatarSizeQuery = "s=160"

// avatarCDNSuffixes are hosts whose query string is replaced wholesale with
// the size selector. Other hosts keep their query untouched.
var avatarCDNSuffixes = []string{
	"githubusercontent.com",
	"gravatar.com",
}

// NormalizeAvatarURL strips the URL fragment and, on known avatar CDNs,
// forces the fixed size selector. Unparseable input is returned unchanged.
func NormalizeAvatarURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	parsed.Fragment = ""
	for _, suffix := range avatarCDNSuffixes {
		if strings.HasSuffix(parsed.Host, suffix) {
			parsed.RawQuery = avatarSizeQuery
			break
		}
	}
	return parsed.String()
}

// canonicalExtraInfo serializes a platform's opaque profile blob to JSON text.
// XML documents are first converted to an equivalent keyed map so the stored
// form is uniform regardless of what the platform API returned.
func canonicalExtraInfo(extra any) (string, error) {
	switch value := extra.(type) {
	case nil:
		return "null", nil
	case []byte:
		return canonicalExtraInfoText(value)
	case string:
		return canonicalExtraInfoText([]byte(value))
	default:
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("elsewhere: serializing extra info: %w", err)
		}
		return string(encoded), nil
	}
}

func canonicalExtraInfoText(raw []byte) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "null", nil
	}
	if strings.HasPrefix(trimmed, "<") {
		mapped, err := mxj.NewMapXml([]byte(trimmed))
		if err != nil {
			return "", fmt.Errorf("elsewhere: parsing extra info markup: %w", err)
		}
		encoded, err := json.Marshal(map[string]any(mapped))
		if err != nil {
			return "", fmt.Errorf("elsewhere: serializing extra info: %w", err)
		}
		return string(encoded), nil
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	encoded, err := json.Marshal(trimmed)
	if err != nil {
		return "", fmt.Errorf("elsewhere: serializing extra info: %w", err)
	}
	return string(encoded), nil
}
