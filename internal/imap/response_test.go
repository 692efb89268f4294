package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "user@example.com", want: `"user@example.com"`},
		{in: `pa"ss`, want: `"pa\"ss"`},
		{in: `back\slash`, want: `"back\\slash"`},
		{in: `"\`, want: `"\"\\"`},
		{in: "", want: `""`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quote(tt.in), "quote(%q)", tt.in)
	}
}

func TestAstring(t *testing.T) {
	a, err := astring("LOGIN", "plain")
	require.NoError(t, err)
	assert.False(t, a.literal)
	assert.Equal(t, `"plain"`, a.text)

	a, err = astring("LOGIN", "pässwörd")
	require.NoError(t, err)
	assert.True(t, a.literal)
	assert.Equal(t, "pässwörd", a.text)

	for _, bad := range []string{"a\rb", "a\nb", "a\x00b"} {
		_, err := astring("LOGIN", bad)
		assert.ErrorIs(t, err, ErrUsage, "input %q", bad)
	}
}

func TestSearchDate(t *testing.T) {
	d := time.Date(2024, time.March, 5, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "05-Mar-2024", searchDate(d))
}

func TestFormatTag(t *testing.T) {
	assert.Equal(t, "A001", formatTag(1))
	assert.Equal(t, "A042", formatTag(42))
	assert.Equal(t, "A1000", formatTag(1000))
}

func TestParseResponse(t *testing.T) {
	raw := "* 2 EXISTS\r\n+ ignored\r\nA003 no [ALERT] go away\r\n"
	resp, err := parseResponse("SELECT", "A003", []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, StatusNO, resp.status)
	assert.Equal(t, "[ALERT] go away", resp.text)
	require.Len(t, resp.untagged, 1)
	assert.Equal(t, "* 2 EXISTS", resp.untagged[0].Text)
}

func TestParseResponse_UnknownStatus(t *testing.T) {
	_, err := parseResponse("SEARCH", "A004", []byte("A004 MAYBE later\r\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "A004 MAYBE later", e.Raw)
}

func TestResponseCode(t *testing.T) {
	assert.Equal(t, "AUTHENTICATIONFAILED", responseCode("[AUTHENTICATIONFAILED] Invalid credentials"))
	assert.Equal(t, "UNAVAILABLE", responseCode("[unavailable] try later"))
	assert.Equal(t, "UIDVALIDITY", responseCode("[UIDVALIDITY 42] ok"))
	assert.Empty(t, responseCode("no code here"))
}

func TestParseSelect(t *testing.T) {
	lines := []Line{
		{Text: "* FLAGS (\\Seen)"},
		{Text: "* 17 EXISTS"},
		{Text: "* OK [UIDVALIDITY 3857529045] UIDs valid"},
	}
	st := parseSelect(lines)
	assert.Equal(t, uint32(17), st.Exists)
	assert.Equal(t, uint32(3857529045), st.UIDValidity)
}

func TestParseSearch(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    []uint32
		wantErr bool
	}{
		{name: "empty result", lines: []string{"* SEARCH"}, want: []uint32{}},
		{name: "no search line", lines: nil, want: []uint32{}},
		{name: "single line", lines: []string{"* SEARCH 2 84 882"}, want: []uint32{2, 84, 882}},
		{
			name:  "split over lines and unsorted",
			lines: []string{"* SEARCH 9 4", "* 12 EXISTS", "* search 1 4"},
			want:  []uint32{1, 4, 9},
		},
		{name: "garbage id", lines: []string{"* SEARCH 1 two"}, wantErr: true},
		{name: "zero id", lines: []string{"* SEARCH 0"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lines []Line
			for _, l := range tt.lines {
				lines = append(lines, Line{Text: l})
			}
			got, err := parseSearch(lines)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFetch(t *testing.T) {
	header := "From: a@b.com\r\n\r\n"
	line, _, err := scanLine([]byte("* 3 FETCH (UID 77 BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {17}\r\n" + header + ")\r\n"))
	require.NoError(t, err)

	block, ok, hasUID := parseFetch(line)
	assert.True(t, ok)
	assert.True(t, hasUID)
	assert.Equal(t, uint32(3), block.seq)
	assert.Equal(t, uint32(77), block.uid)
	assert.Equal(t, header, string(block.header))
}

func TestParseFetch_ItemOrderAndQuotedHeader(t *testing.T) {
	line := Line{Text: `* 5 FETCH (BODY[HEADER.FIELDS (FROM SUBJECT DATE)] "Subject: say \"hi\"" UID 9)`}
	block, ok, hasUID := parseFetch(line)
	assert.True(t, ok)
	assert.True(t, hasUID)
	assert.Equal(t, uint32(9), block.uid)
	assert.Equal(t, `Subject: say "hi"`, string(block.header))
}

func TestParseFetch_MissingUID(t *testing.T) {
	_, ok, hasUID := parseFetch(Line{Text: "* 4 FETCH (FLAGS (\\Seen))"})
	assert.True(t, ok)
	assert.False(t, hasUID)
}

func TestParseFetch_NotAFetch(t *testing.T) {
	_, ok, _ := parseFetch(Line{Text: "* 4 EXPUNGE"})
	assert.False(t, ok)
}

func TestMergeFetch(t *testing.T) {
	header := "Subject: Delay\r\n\r\n"
	split, _, err := scanLine([]byte("* 1 FETCH (BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {18}\r\n" + header + ")\r\n"))
	require.NoError(t, err)

	blocks := mergeFetch([]Line{
		{Text: "* 1 FETCH (FLAGS (\\Seen) UID 7)"},
		{Text: "* 2 FETCH (UID 8 BODY[HEADER.FIELDS (FROM SUBJECT DATE)] NIL)"},
		split,
		{Text: "* 3 EXISTS"},
		{Text: "* 1 FETCH (FLAGS (\\Seen \\Flagged))"},
	})

	require.Len(t, blocks, 2)
	assert.Equal(t, fetchBlock{seq: 1, uid: 7, header: []byte(header), hasHeader: true}, blocks[0])
	assert.Equal(t, uint32(8), blocks[1].uid)
	assert.True(t, blocks[1].hasHeader, "NIL still counts as the header item")
	assert.Empty(t, blocks[1].header)
}
