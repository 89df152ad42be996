package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

func TestParseBookCSV(t *testing.T) {
	in := strings.NewReader("book_id,isbn,title\nB1,9789570000001,小王子\nB2,,Compilers\n")
	rows, err := parseBookCSV(in)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "B1", rows[0].BookID)
	require.NotNil(t, rows[0].ISBN)
	assert.Equal(t, "9789570000001", *rows[0].ISBN)
	assert.Equal(t, "小王子", rows[0].Title)

	assert.Equal(t, "B2", rows[1].BookID)
	assert.Nil(t, rows[1].ISBN)
}

func TestParseBookCSVShortRow(t *testing.T) {
	in := strings.NewReader("B1,9789570000001\n")
	_, err := parseBookCSV(in)
	require.Error(t, err)
}

func TestParseBookCSVBig5(t *testing.T) {
	// Big5で書かれたCSVをデコードして読めること
	utf8CSV := "B1,,小王子\n"
	big5CSV, _, err := transform.String(traditionalchinese.Big5.NewEncoder(), utf8CSV)
	require.NoError(t, err)

	rows, err := parseBookCSV(transform.NewReader(strings.NewReader(big5CSV), traditionalchinese.Big5.NewDecoder()))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "小王子", rows[0].Title)
}
