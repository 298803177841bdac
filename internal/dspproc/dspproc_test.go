package dspproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractSynthDefNamesFindsQuotedAndSymbolForms(t *testing.T) {
	scd := `
SynthDef("synthVoice", { |out| Out.ar(out, SinOsc.ar) }).add;
SynthDef(\reverb, { |out| Out.ar(out, FreeVerb.ar) }).add;
`
	names := ExtractSynthDefNames(scd)
	require.ElementsMatch(t, []string{"synthVoice", "reverb"}, names)
}

func TestExtractSynthDefNamesEmptyForNoMatches(t *testing.T) {
	require.Empty(t, ExtractSynthDefNames("// nothing here"))
}

func TestVerifySynthDefsAvailableReportsMissingNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.scd")
	require.NoError(t, os.WriteFile(path, []byte(`SynthDef("synthVoice", {}).add;`), 0644))

	missing, err := VerifySynthDefsAvailable(path)
	require.NoError(t, err)
	require.Contains(t, missing, "reverb")
	require.NotContains(t, missing, "synthVoice")
}

func TestVerifySynthDefsAvailableAllPresent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.scd")
	var scd string
	for _, name := range RequiredSynthDefNames() {
		scd += `SynthDef("` + name + `", {}).add;` + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(scd), 0644))

	missing, err := VerifySynthDefsAvailable(path)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestVerifySynthDefsAvailableMissingFileErrors(t *testing.T) {
	_, err := VerifySynthDefsAvailable("/nonexistent/path/boot.scd")
	require.Error(t, err)
}
