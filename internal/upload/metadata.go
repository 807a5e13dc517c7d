package upload

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Well-known metadata keys shared between the upload client and server.
const (
	MetaTaskID     = "taskId"
	MetaUserPrompt = "userPrompt"
	MetaFilename   = "filename"
	MetaFiletype   = "filetype"
)

// ParseMetadata decodes a tus Upload-Metadata header: comma-separated pairs
// of "key base64value", value optional.
func ParseMetadata(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	meta := make(map[string]string)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, " ")
		if key == "" {
			return nil, fmt.Errorf("upload: metadata pair %q has no key", pair)
		}
		if value == "" {
			meta[key] = ""
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("upload: metadata value for %q is not base64: %w", key, err)
		}
		meta[key] = string(decoded)
	}
	return meta, nil
}

// EncodeMetadata renders a metadata map as a tus Upload-Metadata header.
// Keys are sorted for a stable wire form.
func EncodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := meta[k]
		if v == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}
	return strings.Join(pairs, ",")
}
