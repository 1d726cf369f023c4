// Command confluence-harness exercises a Coordinator against synthetic
// pipe-backed clients for manual testing, in the spirit of the teacher's
// examples/ tree.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agilira/flash-flags"

	"github.com/baudio/confluence"
)

func main() {
	fs := flashflags.New("confluence-harness")
	format := fs.String("format", "S16LE", "wire sample format (U8, S16LE, S24LE, S32LE)")
	channels := fs.Int("channels", 2, "channel count")
	rate := fs.Int("rate", 44100, "sample rate in Hz")
	periodFrames := fs.Int("period", 1024, "transport period size, in frames")
	direction := fs.String("direction", "playback", "playback or capture")
	clients := fs.Int("clients", 2, "number of synthetic clients to attach")

	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("confluence-harness: %v", err)
	}

	fmtVal, err := confluence.ParseFormat(*format)
	if err != nil {
		log.Fatalf("confluence-harness: %v", err)
	}

	dir := confluence.DirectionPlayback
	if *direction == "capture" {
		dir = confluence.DirectionCapture
	}

	coord, err := confluence.NewCoordinatorFromConfig(confluence.PCMHandle{
		Direction: dir,
		Format:    fmtVal,
		Channels:  *channels,
		RateHz:    *rate,
	}, &confluence.Config{
		ErrorCallback: func(operation string, err error) {
			log.Printf("confluence: %s: %v", operation, err)
		},
	})
	if err != nil {
		log.Fatalf("confluence-harness: new coordinator: %v", err)
	}
	defer coord.Free()

	if err := coord.Init(*periodFrames * *channels); err != nil {
		log.Fatalf("confluence-harness: init: %v", err)
	}

	log.Printf("coordinator ready: direction=%s format=%s channels=%d rate=%d delay=%dhns",
		dir, fmtVal, *channels, *rate, coord.Delay())

	for i := 0; i < *clients; i++ {
		pcmR, pcmW, err := os.Pipe()
		if err != nil {
			log.Fatalf("confluence-harness: pipe: %v", err)
		}
		ctlR, ctlW, err := os.Pipe()
		if err != nil {
			log.Fatalf("confluence-harness: pipe: %v", err)
		}

		var pcmFD, ctlFD int
		if dir == confluence.DirectionPlayback {
			pcmFD = int(pcmR.Fd())
		} else {
			pcmFD = int(pcmW.Fd())
		}
		ctlFD = int(ctlR.Fd())

		ok, err := coord.AddClient(pcmFD, ctlFD)
		if err != nil || !ok {
			log.Fatalf("confluence-harness: add_client %d: ok=%v err=%v", i, ok, err)
		}
		_ = ctlW
		fmt.Printf("client %d attached\n", i)
	}

	time.Sleep(100 * time.Millisecond)
	log.Printf("coordinator state: %s", coord.State())
}
