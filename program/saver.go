package program

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.jpl.nasa.gov/bdube/biologic/technique"
)

// SaveOptions selects the persistence layout.
type SaveOptions struct {
	// ByChannel writes one file per channel under the destination
	// directory instead of one interleaved file
	ByChannel bool

	// Append skips the header and appends to existing files
	Append bool
}

// SaveData flushes the unsaved buffers to dst.  The interleaved layout
// writes all channels to one file, each flush padded so every channel
// spans the same rows; the per-channel layout writes <channel>.csv
// files under dst.
//
// Only rows confirmed written leave the unsaved buffers, so a failed
// write loses nothing: the rows stay buffered for the next attempt.
// Failures are swallowed until the consecutive-failure budget is spent,
// then the error surfaces.  After any attempt the retention window is
// applied to the accumulated history.
func (p *Program) SaveData(dst string, opts SaveOptions) error {
	p.mu.Lock()
	pending := make(map[int][]technique.Record, len(p.channels))
	for _, ch := range p.channels {
		pending[ch] = p.unsaved[ch][:len(p.unsaved[ch]):len(p.unsaved[ch])]
	}
	header := !p.headerWritten && !opts.Append
	p.mu.Unlock()

	var err error
	if opts.ByChannel {
		err = p.saveIndividual(dst, pending, header)
	} else {
		err = p.saveTogether(dst, pending, header)
	}
	if err != nil {
		p.mu.Lock()
		p.writesFailed++
		failed := p.writesFailed
		p.mu.Unlock()
		p.applyRetention()
		if failed >= p.maxAttempts {
			return fmt.Errorf("flush to %s failed %d times: %w", dst, failed, err)
		}
		log.Printf("%s: flush to %s failed (attempt %d of %d): %v",
			p.desc.Name, dst, failed, p.maxAttempts, err)
		return nil
	}

	p.mu.Lock()
	p.writesFailed = 0
	p.headerWritten = true
	for ch, written := range pending {
		p.unsaved[ch] = p.unsaved[ch][len(written):]
	}
	p.mu.Unlock()
	p.applyRetention()
	return nil
}

// saveTogether writes one interleaved file; channels with fewer rows in
// this flush pad with empty cells.
func (p *Program) saveTogether(path string, pending map[int][]technique.Record, header bool) error {
	var b strings.Builder
	titles := p.desc.Titles
	if header {
		var labels, cols []string
		for _, ch := range p.channels {
			for range titles {
				labels = append(labels, strconv.Itoa(ch))
			}
			cols = append(cols, titles...)
		}
		b.WriteString(strings.Join(labels, ","))
		b.WriteByte('\n')
		b.WriteString(strings.Join(cols, ","))
		b.WriteByte('\n')
	}
	rows := 0
	for _, recs := range pending {
		if len(recs) > rows {
			rows = len(recs)
		}
	}
	for r := 0; r < rows; r++ {
		cells := make([]string, 0, len(p.channels)*len(titles))
		for _, ch := range p.channels {
			recs := pending[ch]
			if r < len(recs) {
				for _, v := range recs[r] {
					cells = append(cells, formatCell(v))
				}
			} else {
				for range titles {
					cells = append(cells, "")
				}
			}
		}
		b.WriteString(strings.Join(cells, ","))
		b.WriteByte('\n')
	}
	return appendFile(path, b.String(), header)
}

// saveIndividual writes one file per channel under dir.
func (p *Program) saveIndividual(dir string, pending map[int][]technique.Record, header bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, ch := range p.channels {
		var b strings.Builder
		if header {
			b.WriteString(strings.Join(p.desc.Titles, ","))
			b.WriteByte('\n')
		}
		for _, rec := range pending[ch] {
			cells := make([]string, len(rec))
			for i, v := range rec {
				cells[i] = formatCell(v)
			}
			b.WriteString(strings.Join(cells, ","))
			b.WriteByte('\n')
		}
		path := filepath.Join(dir, "ch-"+strconv.Itoa(ch)+".csv")
		if err := appendFile(path, b.String(), header); err != nil {
			return err
		}
	}
	return nil
}

// appendFile writes content in one call so a failure leaves the unsaved
// accounting consistent: either the whole flush landed or none of it
// counts.
func appendFile(path, content string, truncate bool) error {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// formatCell serializes one value; NaN means "no value" and serializes
// to the empty string.
func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// applyRetention trims accumulated history to the configured window.
func (p *Program) applyRetention() {
	if p.retention == nil {
		return
	}
	if err := p.TrimData(*p.retention, p.channels...); err != nil {
		log.Printf("%s: %v", p.desc.Name, err)
	}
}

// TrimData bounds the accumulated history of the given channels to the
// most recent window records.  A zero window clears history.  Unsaved
// buffers are untouched.
func (p *Program) TrimData(window int, channels ...int) error {
	if window < 0 {
		return fmt.Errorf("retention window %d is negative", window)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		recs, ok := p.data[ch]
		if !ok {
			return fmt.Errorf("channel %d not part of this program", ch)
		}
		if len(recs) > window {
			trimmed := make([]technique.Record, window)
			copy(trimmed, recs[len(recs)-window:])
			p.data[ch] = trimmed
		}
	}
	return nil
}
