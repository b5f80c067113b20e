// Package textfilter implements a text-stream filter: a byte-at-a-time
// line assembler feeding a set of regex entries with optional
// before/after line context and per-entry timeout.
package textfilter

import (
	"regexp"
	"time"

	vsm "github.com/sensyn-robotics/vsm-go"
	"github.com/sensyn-robotics/vsm-go/internal/timer"
)

const (
	defaultMaxLineLen = 512
	historySize       = 10
)

// MatchResult is OK (context fully captured), TimedOut (the after-
// context deadline elapsed before enough lines arrived), or Closed (the
// filter was closed).
type MatchResult int

const (
	MatchOK MatchResult = iota
	MatchTimedOut
	MatchClosed
)

// Callback receives the captured context lines (before + matched +
// after, in order) and the outcome. Its return value says whether the
// entry should be re-armed (true) or removed (false).
type Callback func(lines []string, result MatchResult) (rearm bool)

// LineHandler is an optional pre-filter invoked on every complete line
// before entry matching runs.
type LineHandler func(line string)

// Entry is one registered pattern.
type Entry struct {
	Pattern *regexp.Regexp
	Before  int
	After   int
	Timeout time.Duration
	Cb      Callback

	collecting   bool
	afterWant    int
	captured     []string
	timeoutTimer *timer.Timer
}

// Filter assembles bytes into lines and dispatches them against a list
// of registered Entries.
type Filter struct {
	wh          *timer.Wheel
	maxLineLen  int
	preFilter   LineHandler
	entries     []*Entry
	history     []string
	lineBuf     []byte
	lastWasCR   bool
	activeEntry *Entry
	closed      bool
}

// NewFilter creates a Filter. A zero maxLineLen uses the default of 512
// bytes.
func NewFilter(wh *timer.Wheel, maxLineLen int) *Filter {
	if maxLineLen <= 0 {
		maxLineLen = defaultMaxLineLen
	}
	return &Filter{wh: wh, maxLineLen: maxLineLen}
}

// SetLineHandler installs the optional pre-filter line handler.
func (f *Filter) SetLineHandler(h LineHandler) { f.preFilter = h }

// AddEntry registers a new pattern to watch for.
func (f *Filter) AddEntry(e *Entry) {
	f.entries = append(f.entries, e)
}

// RemoveEntry unregisters e, cancelling any outstanding timeout.
func (f *Filter) RemoveEntry(e *Entry) {
	for i, entry := range f.entries {
		if entry == e {
			f.entries = append(f.entries[:i:i], f.entries[i+1:]...)
			break
		}
	}
	if e.timeoutTimer != nil {
		f.wh.Cancel(e.timeoutTimer)
		e.timeoutTimer = nil
	}
	if f.activeEntry == e {
		f.activeEntry = nil
	}
}

// Feed processes newly arrived bytes, normalizing CR/LF/CRLF line
// endings and dispatching each completed line.
func (f *Filter) Feed(data []byte) {
	for _, b := range data {
		switch b {
		case '\n':
			if f.lastWasCR {
				f.lastWasCR = false
				continue // CRLF: the CR already terminated the line
			}
			f.completeLine()
		case '\r':
			f.lastWasCR = true
			f.completeLine()
		default:
			f.lastWasCR = false
			if len(f.lineBuf) < f.maxLineLen {
				f.lineBuf = append(f.lineBuf, b)
			}
		}
	}
}

// Close delivers CLOSED to every outstanding entry, matching stream
// closure semantics: any entry mid-collection is finalized as closed
// rather than left dangling. Calls after the first do nothing.
func (f *Filter) Close() {
	if f.closed {
		return
	}
	f.closed = true
	for _, e := range f.entries {
		if e.timeoutTimer != nil {
			f.wh.Cancel(e.timeoutTimer)
			e.timeoutTimer = nil
		}
		if e.Cb != nil {
			e.Cb(append([]string(nil), e.captured...), MatchClosed)
		}
	}
}

func (f *Filter) completeLine() {
	line := string(f.lineBuf)
	f.lineBuf = f.lineBuf[:0]
	f.dispatchLine(line)
}

func (f *Filter) dispatchLine(line string) {
	if f.preFilter != nil {
		f.preFilter(line)
	}

	if f.activeEntry != nil && f.activeEntry.collecting {
		f.appendToActive(line)
		f.pushHistory(line)
		return
	}

	for _, e := range f.entries {
		if e.Pattern.MatchString(line) {
			f.armEntry(e, line)
			f.pushHistory(line)
			return
		}
	}
	f.pushHistory(line)
}

func (f *Filter) pushHistory(line string) {
	f.history = append(f.history, line)
	if len(f.history) > historySize {
		f.history = f.history[len(f.history)-historySize:]
	}
}

func (f *Filter) armEntry(e *Entry, matchLine string) {
	before := historyTail(f.history, e.Before)
	e.captured = append(append([]string(nil), before...), matchLine)

	if e.After <= 0 {
		f.fire(e, MatchOK)
		return
	}

	e.collecting = true
	e.afterWant = e.After
	f.activeEntry = e

	if e.Timeout > 0 {
		entry := e
		entry.timeoutTimer = f.wh.Schedule(e.Timeout, func() bool {
			f.fire(entry, MatchTimedOut)
			return false
		})
	}
}

func (f *Filter) appendToActive(line string) {
	e := f.activeEntry
	e.captured = append(e.captured, line)
	e.afterWant--
	if e.afterWant <= 0 {
		f.fire(e, MatchOK)
	}
}

func (f *Filter) fire(e *Entry, result MatchResult) {
	if e.timeoutTimer != nil {
		f.wh.Cancel(e.timeoutTimer)
		e.timeoutTimer = nil
	}
	e.collecting = false
	if f.activeEntry == e {
		f.activeEntry = nil
	}
	captured := e.captured
	e.captured = nil

	rearm := true
	if e.Cb != nil {
		rearm = e.Cb(captured, result)
	}
	if !rearm {
		f.RemoveEntry(e)
	}
}

func historyTail(history []string, n int) []string {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	if n > len(history) {
		n = len(history)
	}
	return history[len(history)-n:]
}

// NewEntry compiles pattern and returns an Entry ready for AddEntry.
func NewEntry(pattern string, before, after int, timeout time.Duration, cb Callback) (*Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, vsm.New("textfilter", "NewEntry", vsm.KindParse, err.Error())
	}
	return &Entry{Pattern: re, Before: before, After: after, Timeout: timeout, Cb: cb}, nil
}
