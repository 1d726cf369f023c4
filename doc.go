// Package confluence implements a multi-client PCM mixing engine for a
// Bluetooth-audio transport.
//
// A transport carries exactly one PCM stream, in one direction, to the
// Bluetooth controller. confluence lets an arbitrary number of local
// processes share that one stream: on playback, every attached client's
// audio is summed sample-accurately into a single mix before it reaches
// the transport; on capture, the single stream arriving from the
// transport is fanned out to every attached client without ever
// blocking on a slow reader.
//
// # Quick start
//
// A transport creates a Coordinator, declares its period size, and then
// lets local processes attach over a pair of pipes:
//
//	coord := confluence.NewCoordinatorWithDefaults(pcm)
//	if err := coord.Init(transferSamples); err != nil {
//		log.Fatal(err)
//	}
//	defer coord.Free()
//
//	ok, err := coord.AddClient(pcmFD, controlFD)
//
// The transport's own I/O thread drives the mix with Read, and drives
// capture fan-out with Write:
//
//	n, err := coord.Read(buf, samples)  // playback
//	n, err := coord.Write(buf, samples) // capture
//
// # Configuration
//
// Coordinator follows a constructor family rather than a single
// do-everything option struct:
//
//	// Defaults matching the reference implementation's tunables.
//	coord := confluence.NewCoordinatorWithDefaults(pcm)
//
//	// Explicit tunables.
//	coord, err := confluence.NewCoordinatorFromConfig(pcm, &confluence.Config{
//		MaxClients:      32,
//		BufferPeriods:   16,
//		MixThreshold:    4,
//		ClientThreshold: 2,
//		DrainTimeout:    300 * time.Millisecond,
//		ErrorCallback: func(operation string, err error) {
//			log.Printf("mixer error (%s): %v", operation, err)
//		},
//	})
//
// # Sample formats
//
// confluence mixes four wire formats — U8, S16LE, S24-in-32LE and
// S32LE — into accumulators strictly wider than the wire format
// (i16, i32, i32, i64 respectively), so that summing clients cannot
// overflow during mixing; clipping happens only when the mix is read.
//
// # Concurrency model
//
// Each Coordinator owns exactly one worker goroutine, either a mix
// worker (playback) or a snoop worker (capture), driven by an epoll
// multiplexer over client pipes, control pipes and per-client drain
// timers. The transport's own goroutine calls Read/Write directly and
// never touches the multiplexer. Shutdown is cooperative: Reset/Free
// write a sentinel to the coordinator's wake eventfd and join the
// worker, rather than cancelling it forcibly.
//
// # Scope
//
// confluence owns exactly the mixing core: the ring-mix buffer, the
// per-client state machines, the coordinator, and the worker loops that
// drive them. It does not discover Bluetooth devices, negotiate codecs,
// talk to D-Bus, probe sysfs, drive ALSA playback, or resample audio —
// those are the responsibility of whatever embeds this package.
package confluence
