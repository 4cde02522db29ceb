package mirror

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"Die Eiskönigin", FolderNameMax, "Die_Eiskonigin"},
		{"Bibi & Tina: Folge 12", FolderNameMax, "Bibi_&_Tina_Folge_12"},
		{`bad<>:"/\|?*chars`, FolderNameMax, "bad_chars"},
		{"  spaced   out  ", FolderNameMax, "spaced_out"},
		{"__already__under__", FolderNameMax, "already_under"},
		{"...dots...", FolderNameMax, "dots"},
		{"", FolderNameMax, "unknown"},
		{"🦊🦊🦊", FolderNameMax, "unknown"},
		{strings.Repeat("a", 80), 50, strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SanitizeName(tc.in, tc.max), "input %q", tc.in)
	}
}

func TestSanitizeTruncationTrimsTrailingUnderscore(t *testing.T) {
	in := strings.Repeat("ab ", 30) // sanitizes to ab_ab_ab...
	out := SanitizeName(in, 8)
	assert.LessOrEqual(t, len(out), 8)
	assert.False(t, strings.HasSuffix(out, "_"))
}

func TestDestFolder(t *testing.T) {
	assert.Equal(t, "/teddycloud/Disney_Dumbo", DestFolder("Disney", "Dumbo"))
	assert.Equal(t, "/teddycloud/Disney", DestFolder("Disney", ""))
	assert.Equal(t, "/teddycloud/Dumbo", DestFolder("", "Dumbo"))
	assert.Equal(t, "/teddycloud/unknown", DestFolder("", ""))
}

func TestDestTrackPath(t *testing.T) {
	folder := DestFolder("Disney", "Dumbo")
	assert.Equal(t, "/teddycloud/Disney_Dumbo/01_Intro.mp3", DestTrackPath(folder, 0, "Intro"))
	assert.Equal(t, "/teddycloud/Disney_Dumbo/12.mp3", DestTrackPath(folder, 11, ""))
}
