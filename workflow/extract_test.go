package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOutput(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestExtractEnergy(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "output.out", `
 CRYSTAL23 OUTPUT
 == SCF ENDED - TOO MANY CYCLES        E(AU) = -152.1111111111
 RESTARTING
 == SCF ENDED - CONVERGENCE ON ENERGY  E(AU) = -152.9876543210 CYCLES  14
`)

	results, err := extractEnergy(dir)
	require.NoError(t, err)
	assert.InDelta(t, -152.9876543210, results["final_energy"], 1e-12)
}

func TestExtractEnergyNoOutputFile(t *testing.T) {
	results, err := extractEnergy(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExtractEnergyNoMatch(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "output.out", "NOTHING USEFUL HERE\n")

	results, err := extractEnergy(dir)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestExtractBandgap(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantGap  float64
		wantType string
	}{
		{
			name:     "direct gap",
			content:  " DIRECT ENERGY BAND GAP:   3.210 eV\n",
			wantGap:  3.210,
			wantType: "direct",
		},
		{
			name:     "indirect gap",
			content:  " INDIRECT ENERGY BAND GAP:   1.120 eV\n",
			wantGap:  1.120,
			wantType: "indirect",
		},
		{
			name:    "generic fallback",
			content: " ENERGY BAND GAP:   5.500 eV\n",
			wantGap: 5.500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeOutput(t, dir, "output.out", tt.content)

			results, err := extractBandgap(dir)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantGap, results["bandgap"], 1e-9)
			if tt.wantType != "" {
				assert.Equal(t, tt.wantType, results["bandgap_type"])
			} else {
				assert.NotContains(t, results, "bandgap_type")
			}
		})
	}
}

func TestExtractLattice(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "output.out", `
 FINAL OPTIMIZED GEOMETRY
 PRIMITIVE CELL - CENTRING CODE 1/0
         A              B              C           ALPHA      BETA       GAMMA
     4.21000000     4.21000000     4.21000000    90.000000  90.000000  90.000000
`)

	results, err := extractLattice(dir)
	require.NoError(t, err)
	assert.InDelta(t, 4.21, results["lattice_a"], 1e-9)
	assert.InDelta(t, 4.21, results["lattice_b"], 1e-9)
	assert.InDelta(t, 4.21, results["lattice_c"], 1e-9)
	assert.InDelta(t, 90.0, results["lattice_alpha"], 1e-9)
	assert.InDelta(t, 90.0, results["lattice_beta"], 1e-9)
	assert.InDelta(t, 90.0, results["lattice_gamma"], 1e-9)
}

func TestFindOutputFilePriority(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "misc.out", "glob candidate\n")
	writeOutput(t, dir, "output.log", "ssh runner output\n")

	// Exact names win over glob matches.
	path, ok := findOutputFile(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "output.log"), path)
}

func TestFindOutputFileGlobFallback(t *testing.T) {
	dir := t.TempDir()
	writeOutput(t, dir, "calc-7.out", "only candidate\n")

	path, ok := findOutputFile(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "calc-7.out"), path)
}
