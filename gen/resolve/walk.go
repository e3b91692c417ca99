package resolve

import (
	"encoding/json"
	"strings"
)

// mediaKey reports whether a JSON object key suggests image/media/url/file
// content. Different providers nest the same kind of payload in structurally
// different shapes, so candidate discovery is keyed by name rather than by
// position.
func mediaKey(key string) bool {
	k := strings.ToLower(key)
	for _, hint := range []string{
		"image", "img", "url", "uri", "file", "asset", "media",
		"video", "output", "result", "sample", "artifact", "data",
		"b64", "base64", "content", "picture", "photo",
	} {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}

// Candidates walks a JSON document to the given depth and collects every
// string that plausibly references an image: HTTP(S) URLs, data URIs, bucket
// URIs and bare base64 blobs. Containers are traversed regardless of key so
// arbitrary nesting is reachable, but a leaf string is only collected when
// the key it sits under passes mediaKey.
func Candidates(raw json.RawMessage, maxDepth int) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var out []string
	collect(doc, maxDepth, true, &out)
	return out
}

func collect(node any, depth int, keyOK bool, out *[]string) {
	if depth < 0 {
		return
	}
	switch v := node.(type) {
	case string:
		if keyOK && plausibleReference(v) {
			*out = append(*out, v)
		}
	case []any:
		for _, item := range v {
			collect(item, depth-1, keyOK, out)
		}
	case map[string]any:
		for key, val := range v {
			collect(val, depth-1, mediaKey(key), out)
		}
	}
}

// plausibleReference reports whether s looks like an image reference of any
// supported kind.
func plausibleReference(s string) bool {
	switch {
	case strings.HasPrefix(s, "data:"):
		return true
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return true
	case strings.Contains(s, "://"):
		return true // bucket URI, e.g. gs://bucket/path
	default:
		return looksLikeBase64(s)
	}
}

// looksLikeBase64 heuristically detects a bare base64 blob: at least 32
// characters, restricted to the base64 alphabet, and no ':' (which would
// indicate a URI of some kind).
func looksLikeBase64(s string) bool {
	if len(s) < 32 || strings.ContainsRune(s, ':') {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+' || r == '/' || r == '=' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
