package main

import (
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	heap "github.com/pianoyeg94/managed-heap/memory_and_heap"
)

// report is the summary of a run.
type report struct {
	title   string
	elapsed time.Duration
	stats   heap.MemStats
}

// userLanguage picks the language of LC_ALL or LANG, English if
// neither parses.
func userLanguage() language.Tag {
	for _, env := range []string{"LC_ALL", "LANG"} {
		v, _, _ := strings.Cut(os.Getenv(env), ".")
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if tag, err := language.Parse(v); err == nil {
			return tag
		}
	}
	return language.English
}

// terminalWidth returns the width of w if it is a terminal.
func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0, false
	}
	return width, true
}

type statRow struct {
	name  string
	value uint64
	unit  string
}

func (r *report) rows() []statRow {
	st := &r.stats
	return []statRow{
		{"heap_alloc", st.HeapAlloc, "B"},
		{"total_alloc", st.TotalAlloc, "B"},
		{"mallocs", st.Mallocs, ""},
		{"frees", st.Frees, ""},
		{"heap_sys", st.HeapSys, "B"},
		{"heap_inuse", st.HeapInuse, "B"},
		{"heap_released", st.HeapReleased, "B"},
		{"gc_sys", st.GCSys, "B"},
		{"other_sys", st.OtherSys, "B"},
		{"next_gc", st.NextGC, "B"},
		{"num_gc", st.NumGC, ""},
		{"spans", uint64(st.Spans), ""},
		{"arenas", uint64(st.Arenas), ""},
	}
}

// print writes the report to w: an aligned table on a terminal, one
// "name value" line per statistic otherwise. Numbers are grouped the
// way the user's language does it.
func (r *report) print(w io.Writer) error {
	p := message.NewPrinter(userLanguage())

	width, tty := terminalWidth(w)
	if !tty {
		if _, err := p.Fprintf(w, "%s %v\n", r.title, r.elapsed.Round(time.Microsecond)); err != nil {
			return err
		}
		for _, row := range r.rows() {
			if _, err := p.Fprintf(w, "%s %d\n", row.name, row.value); err != nil {
				return err
			}
		}
		return nil
	}

	rule := strings.Repeat("-", min(width, 48))
	p.Fprintf(w, "%s (%v)\n%s\n", r.title, r.elapsed.Round(time.Microsecond), rule)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	for _, row := range r.rows() {
		p.Fprintf(tw, "%s\t%d\t%s\t\n", row.name, row.value, row.unit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := p.Fprintln(w, rule)
	return err
}
