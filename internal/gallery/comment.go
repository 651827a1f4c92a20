package gallery

import (
	"encoding/json"
	"strings"
)

// tagsFromComment scans free text for embedded JSON objects and collects the
// integer members of any "tags" array. Text that is not JSON is skipped.
func tagsFromComment(text string) []int64 {
	var (
		tags []int64
		seen = map[int64]struct{}{}
		pos  = 0
	)
	for {
		start := strings.IndexByte(text[pos:], '{')
		if start < 0 {
			break
		}
		start += pos

		dec := json.NewDecoder(strings.NewReader(text[start:]))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			pos = start + 1
			continue
		}
		pos = start + int(dec.InputOffset())

		list, ok := obj["tags"].([]any)
		if !ok {
			continue
		}
		for _, v := range list {
			n, ok := v.(json.Number)
			if !ok {
				continue
			}
			id, err := n.Int64()
			if err != nil {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			tags = append(tags, id)
		}
	}
	return tags
}
