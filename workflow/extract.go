package workflow

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExtractorFunc pulls named values out of a completed job's work directory.
// Extractors are pure with respect to file contents; a failing extractor is
// skipped with a warning and never fails the node.
type ExtractorFunc func(workDir string) (map[string]any, error)

// findOutputFile locates the calculation output inside a work directory,
// trying the filenames the different runner backends produce.
func findOutputFile(workDir string) (string, bool) {
	exact := []string{"output.d12", "output.out", "output.log", "job.out"}
	for _, name := range exact {
		candidate := filepath.Join(workDir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, true
		}
	}

	matches, err := filepath.Glob(filepath.Join(workDir, "*.out"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	// Most recently modified wins.
	best := matches[0]
	bestTime := int64(-1)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		if mod := fi.ModTime().UnixNano(); mod > bestTime {
			best, bestTime = m, mod
		}
	}
	return best, true
}

func readOutputLines(workDir string) ([]string, error) {
	path, ok := findOutputFile(workDir)
	if !ok {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open output file %s", path)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// extractEnergy scans the output backwards for the last SCF termination line,
// e.g. "== SCF ENDED - CONVERGENCE ON ENERGY  E(AU) = -123.456789".
func extractEnergy(workDir string) (map[string]any, error) {
	lines, err := readOutputLines(workDir)
	if err != nil {
		return nil, err
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.Contains(line, "SCF ENDED") || !strings.Contains(line, "E(AU)") {
			continue
		}
		_, rest, _ := strings.Cut(line, "E(AU)")
		fields := strings.Fields(rest)
		// rest looks like "= -123.456789"; the value follows the equals sign.
		if len(fields) < 2 {
			continue
		}
		energy, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		return map[string]any{"final_energy": energy}, nil
	}
	return map[string]any{}, nil
}

// extractBandgap scans forward preferring the direct/indirect band gap lines
// and falling back to the generic "ENERGY BAND GAP" form.
func extractBandgap(workDir string) (map[string]any, error) {
	lines, err := readOutputLines(workDir)
	if err != nil {
		return nil, err
	}

	for _, line := range lines {
		if strings.Contains(line, "DIRECT ENERGY BAND GAP") || strings.Contains(line, "INDIRECT ENERGY BAND GAP") {
			gap, ok := valueAfterColon(line)
			if !ok {
				continue
			}
			gapType := "direct"
			if strings.Contains(line, "INDIRECT") {
				gapType = "indirect"
			}
			return map[string]any{"bandgap": gap, "bandgap_type": gapType}, nil
		}
		if strings.Contains(line, "ENERGY BAND GAP") {
			if gap, ok := valueAfterColon(line); ok {
				return map[string]any{"bandgap": gap}, nil
			}
		}
	}
	return map[string]any{}, nil
}

func valueAfterColon(line string) (float64, bool) {
	_, rest, found := strings.Cut(line, ":")
	if !found {
		return 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// extractLattice finds the primitive or crystallographic cell header and reads
// the six parameters a b c alpha beta gamma from the line below the column
// header.
func extractLattice(workDir string) (map[string]any, error) {
	lines, err := readOutputLines(workDir)
	if err != nil {
		return nil, err
	}

	for i, line := range lines {
		if !strings.Contains(line, "PRIMITIVE CELL") && !strings.Contains(line, "CRYSTALLOGRAPHIC CELL") {
			continue
		}
		limit := min(i+10, len(lines))
		for j := i + 1; j < limit; j++ {
			if !isCellHeader(lines[j]) || j+1 >= len(lines) {
				continue
			}
			values := strings.Fields(lines[j+1])
			if len(values) < 6 {
				continue
			}
			parsed := make([]float64, 0, 6)
			ok := true
			for _, v := range values[:6] {
				f, err := strconv.ParseFloat(v, 64)
				if err != nil {
					ok = false
					break
				}
				parsed = append(parsed, f)
			}
			if !ok {
				continue
			}
			return map[string]any{
				"lattice_a":     parsed[0],
				"lattice_b":     parsed[1],
				"lattice_c":     parsed[2],
				"lattice_alpha": parsed[3],
				"lattice_beta":  parsed[4],
				"lattice_gamma": parsed[5],
			}, nil
		}
	}
	return map[string]any{}, nil
}

func isCellHeader(line string) bool {
	fields := strings.Fields(line)
	var a, b, c bool
	for _, f := range fields {
		switch f {
		case "A":
			a = true
		case "B":
			b = true
		case "C":
			c = true
		}
	}
	return a && b && c
}
