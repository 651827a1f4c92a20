package gallery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTagsFromComment(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []int64
	}{
		{name: "empty", text: "", want: nil},
		{name: "plain text", text: "just a description", want: nil},
		{name: "single object", text: `{"tags": [1, 2]}`, want: []int64{1, 2}},
		{name: "embedded", text: `People I know {"tags": [5]} more text`, want: []int64{5}},
		{name: "multiple objects deduplicated", text: `{"tags": [5, 6]} and {"tags": [6, 7]}`, want: []int64{5, 6, 7}},
		{name: "non integer members skipped", text: `{"tags": [1, "two", 3.5, 4]}`, want: []int64{1, 4}},
		{name: "tags not a list", text: `{"tags": 9}`, want: nil},
		{name: "broken object then valid", text: `{oops {"tags": [8]}`, want: []int64{8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tagsFromComment(tt.text))
		})
	}
}
