// Command tickengine runs the sequencing/routing engine standalone: it
// starts (or attaches to) scsynth, connects the OSC transport, and keeps
// the engine's audio thread running until interrupted. It has no UI of
// its own (spec §1 Non-goals) — it exists to exercise and smoke-test the
// engine, and as a host process an eventual UI would embed or talk to.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/collidertracker/internal/dspproc"
	"github.com/schollz/collidertracker/internal/engine"
	"github.com/spf13/cobra"
)

var (
	oscHost                string
	oscPort                int
	bpm                    float32
	disableAudio           bool
	numAudioBus            int
	numCtrlBus             int
	midiClockDevice        string
	autoDownloadExtensions bool
	synthDefPath           string
)

func main() {
	root := &cobra.Command{
		Use:   "tickengine",
		Short: "Drives an scsynth server as a real-time sequencer and routing engine",
		RunE:  run,
	}
	root.Flags().StringVar(&oscHost, "osc-host", "127.0.0.1", "host scsynth is reachable at")
	root.Flags().IntVar(&oscPort, "osc-port", 57120, "UDP port scsynth listens on")
	root.Flags().Float32Var(&bpm, "bpm", 120, "initial transport tempo")
	root.Flags().BoolVar(&disableAudio, "disable-audio", false, "skip starting/connecting scsynth (for headless testing)")
	root.Flags().IntVar(&numAudioBus, "num-audio-bus", 1024, "scsynth audio bus count")
	root.Flags().IntVar(&numCtrlBus, "num-control-bus", 4096, "scsynth control bus count")
	root.Flags().StringVar(&midiClockDevice, "midi-clock-device", "", "MIDI output device name to mirror transport start/stop/clock onto (disabled if empty)")
	root.Flags().BoolVar(&autoDownloadExtensions, "auto-download-extensions", false, "download missing scsynth UGen plugin extensions before starting")
	root.Flags().StringVar(&synthDefPath, "verify-synthdefs", "", "path to a .scd boot file to check for this engine's required SynthDefs before starting (skipped if empty)")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	e := engine.New()
	go e.Run()
	defer e.Shutdown()

	if !disableAudio {
		if synthDefPath != "" {
			missing, err := dspproc.VerifySynthDefsAvailable(synthDefPath)
			if err != nil {
				return fmt.Errorf("verifying synthdefs: %w", err)
			}
			if len(missing) > 0 {
				return fmt.Errorf("boot file %s is missing required SynthDefs: %v", synthDefPath, missing)
			}
		}
		if !dspproc.IsRunning() {
			opts := dspproc.DefaultOptions(oscPort)
			opts.NumAudioBus = numAudioBus
			opts.NumCtrlBus = numCtrlBus
			opts.AutoDownloadExtensions = autoDownloadExtensions
			if err := dspproc.Start(opts); err != nil {
				return fmt.Errorf("starting scsynth: %w", err)
			}
			defer dspproc.Stop()
		}
	}
	// CmdConnectServer is sent unconditionally, even under --disable-audio:
	// it only opens a UDP socket (which never blocks on a listener being
	// present) and builds the scheduler/routing/voice components, so the
	// transport advances and stays testable whether or not an actual
	// scsynth process is on the other end (spec §6 "the scheduler still
	// advances so UI timings remain testable" with audio disabled).
	e.SendCommand(&engine.AudioCmd{Kind: engine.CmdConnectServer, Host: oscHost, Port: oscPort})
	e.SendCommand(&engine.AudioCmd{Kind: engine.CmdSetBPM, BPM: bpm})

	if midiClockDevice != "" {
		e.SendCommand(&engine.AudioCmd{Kind: engine.CmdAttachMidiClock, MidiDeviceName: midiClockDevice})
	}

	go logFeedback(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("tickengine: shutting down")
	return nil
}

func logFeedback(e *engine.Engine) {
	for fb := range e.Feedback() {
		switch fb.Kind {
		case engine.FeedbackServerStatus:
			log.Printf("tickengine: server connected=%v", fb.Connected)
		case engine.FeedbackTransportError:
			log.Printf("tickengine: ERROR: %v", fb.Err)
		case engine.FeedbackRecordingState:
			log.Printf("tickengine: recording=%v", fb.Recording)
		case engine.FeedbackVstParamsDiscovered:
			log.Printf("tickengine: vst params discovered: %v", fb.VstParams)
		case engine.FeedbackSampleAnalyzed:
			log.Printf("tickengine: sample analyzed: %s (%.2fs, ~%.1f bpm)", fb.Sample.Path, fb.Sample.DurationSeconds, fb.Sample.EstimatedBPM)
		case engine.FeedbackPlayheadPosition:
			// High-frequency; left to a UI layer to consume, not logged.
		}
	}
}
