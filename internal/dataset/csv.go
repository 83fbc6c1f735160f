package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Exists reports whether both files of a pair are present.
func Exists(labelsPath, repsPath string) bool {
	return fileExists(labelsPath) && fileExists(repsPath)
}

// Read loads a labels/reps pair written by Write.
func Read(labelsPath, repsPath string) (Table, error) {
	labels, err := readCSV(labelsPath)
	if err != nil {
		return nil, err
	}
	reps, err := readCSV(repsPath)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(reps) {
		return nil, fmt.Errorf("%w: %d labels but %d embeddings", ErrCorrupt, len(labels), len(reps))
	}

	t := make(Table, len(labels))
	for i := range labels {
		if len(labels[i]) < 1 {
			return nil, fmt.Errorf("%w: empty label row %d", ErrCorrupt, i)
		}
		r := Record{Label: labels[i][0]}
		if len(labels[i]) > 1 {
			r.Sample = labels[i][1]
		}
		r.Vec = make([]float64, len(reps[i]))
		for j, s := range reps[i] {
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d col %d: %v", ErrCorrupt, i, j, err)
			}
			r.Vec[j] = v
		}
		t[i] = r
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Write persists the table as a labels/reps pair. Each file is replaced atomically.
func Write(labelsPath, repsPath string, t Table) error {
	err := writeAtomic(labelsPath, func(w *csv.Writer) error {
		for _, r := range t {
			if err := w.Write([]string{r.Label, r.Sample}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeAtomic(repsPath, func(w *csv.Writer) error {
		row := []string{}
		for _, r := range t {
			row = row[:0]
			for _, v := range r.Vec {
				row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadNames loads a one-name-per-line file. A missing file yields no names.
func ReadNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if n := strings.TrimSpace(sc.Text()); n != "" {
			names = append(names, n)
		}
	}
	return names, sc.Err()
}

// WriteNames replaces the names file atomically.
func WriteNames(path string, names []string) error {
	return writeAtomic(path, func(w *csv.Writer) error {
		for _, n := range names {
			if err := w.Write([]string{n}); err != nil {
				return err
			}
		}
		return nil
	})
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
		rows = append(rows, rec)
	}
}

// writeAtomic writes into a temp file next to path and renames it into place.
func writeAtomic(path string, fill func(*csv.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	w := csv.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
