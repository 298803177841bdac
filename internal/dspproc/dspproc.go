// Package dspproc manages the lifecycle of the external scsynth process.
//
// The DSP server itself is out of scope for this repository (see spec
// §1) — this package only finds the executable, starts it with the UDP
// port the transport will talk to, and tears it down on shutdown. It is
// generalized from the teacher's supercollider.StartSuperCollider, which
// does the same thing for sclang.
package dspproc

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	startedBySelf = false
	scsynthCmd    *exec.Cmd
	cleanupCalled = false
)

// Options configures how scsynth is launched.
type Options struct {
	UDPPort      int
	NumAudioBus  int // include the reserved control groups' audio buses
	NumCtrlBus   int
	NumInputBus  int
	NumOutputBus int
	MaxNodes     int
	Verbose      bool

	// AutoDownloadExtensions fetches any of the routing graph's required
	// UGen plugin extensions that aren't already installed before
	// scsynth starts (spec §9 supplemented feature, see
	// DownloadRequiredExtensions). Off by default so headless/CI runs
	// never reach out to the network unless explicitly opted in.
	AutoDownloadExtensions bool
}

// DefaultOptions mirrors scsynth's stock defaults, scaled up slightly for
// the bus counts this engine pre-reserves (see routing package).
func DefaultOptions(udpPort int) Options {
	return Options{
		UDPPort:      udpPort,
		NumAudioBus:  1024,
		NumCtrlBus:   4096,
		NumInputBus:  2,
		NumOutputBus: 2,
		MaxNodes:     4096,
	}
}

// IsRunning reports whether an scsynth process is already alive, whether
// or not this package started it.
func IsRunning() bool {
	return isProcessRunning("scsynth")
}

// Start launches scsynth if one isn't already running. A process started
// externally (e.g. by the user, or a supervising DAW) is left alone and
// Stop becomes a no-op for it.
func Start(opts Options) error {
	if IsRunning() {
		log.Printf("scsynth already running, not starting a new instance")
		return nil
	}

	scsynthPath, err := findScsynthPath()
	if err != nil {
		return fmt.Errorf("scsynth not found: %w", err)
	}

	if opts.AutoDownloadExtensions && !HasRequiredExtensions() {
		log.Printf("dspproc: one or more required UGen extensions missing, downloading")
		if err := DownloadRequiredExtensions(); err != nil {
			return fmt.Errorf("downloading required extensions: %w", err)
		}
	}

	args := []string{
		"-u", strconv.Itoa(opts.UDPPort),
		"-a", strconv.Itoa(opts.NumAudioBus),
		"-c", strconv.Itoa(opts.NumCtrlBus),
		"-i", strconv.Itoa(opts.NumInputBus),
		"-o", strconv.Itoa(opts.NumOutputBus),
		"-n", strconv.Itoa(opts.MaxNodes),
	}

	scsynthCmd = exec.Command(scsynthPath, args...)
	scsynthCmd.Stdout = log.Writer()
	scsynthCmd.Stderr = log.Writer()
	setupProcessGroup(scsynthCmd)

	if err := scsynthCmd.Start(); err != nil {
		scsynthCmd = nil
		return fmt.Errorf("failed to start scsynth: %w", err)
	}
	startedBySelf = true

	// Give the server a moment to bind its socket before the transport
	// starts sending to it.
	time.Sleep(500 * time.Millisecond)
	if !IsRunning() {
		if scsynthCmd.Process != nil {
			scsynthCmd.Process.Kill()
		}
		startedBySelf = false
		scsynthCmd = nil
		return fmt.Errorf("scsynth failed to start properly")
	}

	return nil
}

// Stop tears down the process this package started. It is a no-op when
// scsynth was started externally.
func Stop() {
	if cleanupCalled {
		return
	}
	cleanupCalled = true

	if startedBySelf && scsynthCmd != nil {
		killProcessGroup(scsynthCmd)
		scsynthCmd.Wait()
		startedBySelf = false
		scsynthCmd = nil
	}
	cleanupCalled = false
}

// WasStartedBySelf reports whether this package launched the current
// scsynth process (and therefore owns its shutdown).
func WasStartedBySelf() bool {
	return startedBySelf
}

func findScsynthPath() (string, error) {
	if path, err := exec.LookPath("scsynth"); err == nil {
		return path, nil
	}

	var candidates []string
	switch runtime.GOOS {
	case "darwin":
		candidates = []string{
			"/Applications/SuperCollider.app/Contents/Resources/scsynth",
		}
	case "linux":
		candidates = []string{
			"/usr/bin/scsynth",
			"/usr/local/bin/scsynth",
			"/opt/supercollider/bin/scsynth",
		}
	case "windows":
		if programFiles := os.Getenv("PROGRAMFILES"); programFiles != "" {
			candidates = append(candidates, filepath.Join(programFiles, "SuperCollider", "scsynth.exe"))
		}
	}

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("scsynth executable not found in PATH or common installation locations")
}

func isProcessRunning(name string) bool {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("tasklist", "/FI", "IMAGENAME eq "+name+".exe")
	default:
		cmd = exec.Command("pgrep", "-x", name)
	}

	output, err := cmd.Output()
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return strings.Contains(strings.ToLower(string(output)), strings.ToLower(name+".exe"))
	}
	return len(strings.TrimSpace(string(output))) > 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// requiredExtensions lists the third-party UGen plugin files the routing
// graph's synth names (reverb, filter, delay, comb — see routing.go's
// effectSynthName/filterSynthName) depend on at the server, generalized
// from the teacher's own extension pin list.
var requiredExtensions = []string{"Fverb.sc", "AnalogTape.sc", "MiBraids.sc"}

// HasRequiredExtensions reports whether every extension in
// requiredExtensions is already installed in one of the platform's
// SuperCollider extension directories.
func HasRequiredExtensions() bool {
	for _, ext := range requiredExtensions {
		if !hasExtension(ext) {
			return false
		}
	}
	return true
}

func hasExtension(filename string) bool {
	for _, dir := range extensionDirs() {
		if fileExists(filepath.Join(dir, filename)) {
			return true
		}
		found := false
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if !info.IsDir() && info.Name() == filename {
				found = true
				return filepath.SkipDir
			}
			return nil
		})
		if found {
			return true
		}
	}
	return false
}

func extensionDirs() []string {
	var dirs []string
	switch runtime.GOOS {
	case "darwin":
		if homeDir, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(homeDir, "Library/Application Support/SuperCollider/Extensions"))
		}
		dirs = append(dirs, "/Library/Application Support/SuperCollider/Extensions")
	case "linux":
		if homeDir, err := os.UserHomeDir(); err == nil {
			dirs = append(dirs, filepath.Join(homeDir, ".local/share/SuperCollider/Extensions"))
		}
		dirs = append(dirs, "/usr/share/SuperCollider/Extensions")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			dirs = append(dirs, filepath.Join(localAppData, "SuperCollider/Extensions"))
		}
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			dirs = append(dirs, filepath.Join(programData, "SuperCollider/Extensions"))
		}
	}
	return dirs
}

func localExtensionDir() string {
	dirs := extensionDirs()
	if len(dirs) == 0 {
		return ""
	}
	return dirs[0]
}

// DownloadRequiredExtensions fetches and installs whichever required
// extensions (see requiredExtensions) aren't already present, one zip
// release per plugin set. Ported from the teacher's
// DownloadRequiredExtensions/getPortedPluginsURL/getMiUGensURL.
func DownloadRequiredExtensions() error {
	extensionDir := localExtensionDir()
	if extensionDir == "" {
		return fmt.Errorf("dspproc: could not determine local extension directory for %s", runtime.GOOS)
	}
	if err := os.MkdirAll(extensionDir, 0755); err != nil {
		return fmt.Errorf("dspproc: creating extension directory: %w", err)
	}

	if !hasExtension("Fverb.sc") || !hasExtension("AnalogTape.sc") {
		url := portedPluginsURL()
		if url == "" {
			return fmt.Errorf("dspproc: unsupported platform for PortedPlugins: %s/%s", runtime.GOOS, runtime.GOARCH)
		}
		if err := downloadAndExtract(url, extensionDir); err != nil {
			return fmt.Errorf("dspproc: downloading PortedPlugins: %w", err)
		}
	}

	if !hasExtension("MiBraids.sc") {
		url := miUGensURL()
		if url == "" {
			return fmt.Errorf("dspproc: unsupported platform for mi-UGens: %s/%s", runtime.GOOS, runtime.GOARCH)
		}
		if err := downloadAndExtract(url, extensionDir); err != nil {
			return fmt.Errorf("dspproc: downloading mi-UGens: %w", err)
		}
	}

	if !HasRequiredExtensions() {
		return fmt.Errorf("dspproc: required extensions still missing after download")
	}
	return nil
}

func portedPluginsURL() string {
	switch runtime.GOOS {
	case "linux":
		if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
			return "https://github.com/schollz/portedplugins/releases/download/v0.4.6/PortedPlugins-RaspberryPi.zip"
		}
		return "https://github.com/schollz/portedplugins/releases/download/v0.4.5/PortedPlugins-Linux.zip"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "https://github.com/schollz/portedplugins/releases/download/v0.4.5/PortedPlugins-macOS-ARM.zip"
		}
		return "https://github.com/schollz/portedplugins/releases/download/v0.4.5/PortedPlugins-macOS.zip"
	case "windows":
		return "https://github.com/schollz/portedplugins/releases/download/v0.4.5/PortedPlugins-Windows.zip"
	}
	return ""
}

func miUGensURL() string {
	switch runtime.GOOS {
	case "linux":
		return "https://github.com/v7b1/mi-UGens/releases/download/v0.0.8/mi-UGens-Linux.zip"
	case "darwin":
		return "https://github.com/v7b1/mi-UGens/releases/download/v0.0.8/mi-UGens-macOS.zip"
	case "windows":
		return "https://github.com/v7b1/mi-UGens/releases/download/v0.0.8/mi-UGens-Windows.zip"
	}
	return ""
}

func downloadAndExtract(url, destDir string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "dspproc-extension-*.zip")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return fmt.Errorf("saving downloaded file: %w", err)
	}
	tmpFile.Close()

	return extractZip(tmpFile.Name(), destDir)
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	for _, f := range r.File {
		destPath := filepath.Join(dest, f.Name)
		if f.FileInfo().IsDir() {
			os.MkdirAll(destPath, f.FileInfo().Mode())
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening file in zip: %w", err)
		}
		destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.FileInfo().Mode())
		if err != nil {
			rc.Close()
			return fmt.Errorf("creating destination file: %w", err)
		}
		_, err = io.Copy(destFile, rc)
		destFile.Close()
		rc.Close()
		if err != nil {
			return fmt.Errorf("copying file contents: %w", err)
		}
	}
	return nil
}

// synthDefPattern matches a SuperCollider SynthDef declaration naming it
// either as a quoted string or a symbol: SynthDef("name", ... or
// SynthDef(\name, ... Ported from the teacher's ExtractSynthDefNames.
var synthDefPattern = regexp.MustCompile(`SynthDef\s*\(\s*(?:"([^"]+)"|\\([^,\s\)]+))`)

// ExtractSynthDefNames returns every SynthDef name declared in scdContent.
func ExtractSynthDefNames(scdContent string) []string {
	matches := synthDefPattern.FindAllStringSubmatch(scdContent, -1)
	var names []string
	for _, m := range matches {
		if m[1] != "" {
			names = append(names, m[1])
		} else if m[2] != "" {
			names = append(names, m[2])
		}
	}
	return names
}

// RequiredSynthDefNames lists every synth name the routing graph and
// voice allocator can ask the server to instantiate (spec §4.F, §4.E) —
// the set a boot .scd file must define for this engine to function.
func RequiredSynthDefNames() []string {
	return []string{
		"synthSource", "sampler", "externalInput", "vstSource",
		"lfo", "lowPassFilter", "highPassFilter",
		"delay", "reverb", "gate", "comb", "distortion", "passthrough",
		"outputStrip", "midiControl", "synthVoice", "vstVoice",
	}
}

// VerifySynthDefsAvailable reads a .scd boot file and reports every name
// in RequiredSynthDefNames that it does not define, so a misconfigured
// scsynth boot script fails fast instead of failing opaquely on the
// first /s_new the routing graph sends.
func VerifySynthDefsAvailable(scdPath string) ([]string, error) {
	data, err := os.ReadFile(scdPath)
	if err != nil {
		return nil, fmt.Errorf("dspproc: reading %s: %w", scdPath, err)
	}
	declared := map[string]bool{}
	for _, name := range ExtractSynthDefNames(string(data)) {
		declared[name] = true
	}

	var missing []string
	for _, required := range RequiredSynthDefNames() {
		if !declared[required] {
			missing = append(missing, required)
		}
	}
	return missing, nil
}
