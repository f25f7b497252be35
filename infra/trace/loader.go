// Package trace reads resource and grid traces from disk.
package trace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	coretrace "github.com/kilianp07/cosim/core/trace"
)

// FileLoader loads traces from the local filesystem. Relative paths are
// resolved by the caller.
type FileLoader struct{}

// Series reads a CSV file whose rows are "timestamp_seconds,value[,value...]".
// Blank lines and lines starting with '#' are skipped.
func (FileLoader) Series(path string, loop bool) (*coretrace.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ts, rows, err := readSeries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return coretrace.New(ts, rows, loop)
}

func readSeries(r io.Reader) ([]float64, [][]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	var (
		ts   []float64
		rows [][]float64
	)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(rec) < 2 {
			line, _ := cr.FieldPos(0)
			return nil, nil, fmt.Errorf("line %d: want timestamp and value, got %d fields", line, len(rec))
		}
		vals := make([]float64, len(rec))
		for i, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				line, col := cr.FieldPos(i)
				return nil, nil, fmt.Errorf("line %d column %d: %w", line, col, err)
			}
			vals[i] = v
		}
		ts = append(ts, vals[0])
		rows = append(rows, vals[1:])
	}
	if len(ts) == 0 {
		return nil, nil, coretrace.ErrEmpty
	}
	return ts, rows, nil
}

// Samples reads a file with one value per line, each held for period.
func (FileLoader) Samples(path string, period time.Duration, loop bool) (*coretrace.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	values, err := readSamples(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return coretrace.Periodic(values, period, loop)
}

func readSamples(r io.Reader) ([]float64, error) {
	var values []float64
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, coretrace.ErrEmpty
	}
	return values, nil
}
