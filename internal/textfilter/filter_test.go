package textfilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

func TestMatchWithNoAfterContextFiresImmediately(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()
	f := NewFilter(wh, 0)

	var got []string
	var result MatchResult
	entry, err := NewEntry(`^ERROR`, 1, 0, 0, func(lines []string, r MatchResult) bool {
		got = lines
		result = r
		return true
	})
	require.NoError(t, err)
	f.AddEntry(entry)

	f.Feed([]byte("context line\nERROR something broke\n"))
	assert.Equal(t, MatchOK, result)
	assert.Equal(t, []string{"context line", "ERROR something broke"}, got)
}

func TestMatchCollectsAfterContext(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()
	f := NewFilter(wh, 0)

	done := make(chan []string, 1)
	entry, err := NewEntry(`^START`, 0, 2, 0, func(lines []string, r MatchResult) bool {
		done <- lines
		return false
	})
	require.NoError(t, err)
	f.AddEntry(entry)

	f.Feed([]byte("START\nafter1\nafter2\n"))

	select {
	case lines := <-done:
		assert.Equal(t, []string{"START", "after1", "after2"}, lines)
	case <-time.After(time.Second):
		t.Fatal("entry never fired")
	}
}

func TestEntryTimesOutWithoutEnoughAfterLines(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()
	f := NewFilter(wh, 0)

	done := make(chan MatchResult, 1)
	entry, err := NewEntry(`^START`, 0, 5, 30*time.Millisecond, func(lines []string, r MatchResult) bool {
		done <- r
		return false
	})
	require.NoError(t, err)
	f.AddEntry(entry)

	f.Feed([]byte("START\nonly one\n"))

	select {
	case r := <-done:
		assert.Equal(t, MatchTimedOut, r)
	case <-time.After(time.Second):
		t.Fatal("entry never timed out")
	}
}

func TestCloseDeliversClosedToCollectingEntry(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()
	f := NewFilter(wh, 0)

	var result MatchResult
	entry, err := NewEntry(`^START`, 0, 5, 0, func(lines []string, r MatchResult) bool {
		result = r
		return false
	})
	require.NoError(t, err)
	f.AddEntry(entry)

	f.Feed([]byte("START\n"))
	f.Close()
	assert.Equal(t, MatchClosed, result)
}

func TestCRLFNormalization(t *testing.T) {
	wh := timer.NewWheel()
	defer wh.Close()
	f := NewFilter(wh, 0)

	var lines []string
	f.SetLineHandler(func(line string) { lines = append(lines, line) })
	f.Feed([]byte("one\r\ntwo\rthree\nfour\n"))
	assert.Equal(t, []string{"one", "two", "three", "four"}, lines)
}
