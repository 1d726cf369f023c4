package confluence

import (
	"os"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, dir Direction) *Coordinator {
	t.Helper()
	coord, err := NewCoordinatorFromConfig(PCMHandle{
		Direction: dir,
		Format:    FormatS16LE,
		Channels:  2,
		RateHz:    44100,
	}, &Config{
		MixThreshold:    1,
		ClientThreshold: 1,
		DrainTimeout:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewCoordinatorFromConfig: %v", err)
	}
	t.Cleanup(func() { coord.Free() })
	return coord
}

func TestCoordinator_CaptureFanOut(t *testing.T) {
	coord := newTestCoordinator(t, DirectionCapture)
	if err := coord.Init(8); err != nil { // 4 frames * 2 channels
		t.Fatalf("Init: %v", err)
	}

	pcmR, pcmW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pcmR.Close()
	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer ctlR.Close()
	defer ctlW.Close()

	ok, err := coord.AddClient(int(pcmW.Fd()), int(ctlR.Fd()))
	if err != nil || !ok {
		t.Fatalf("AddClient: ok=%v err=%v", ok, err)
	}

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := coord.Write(payload, 8)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 8 {
		t.Fatalf("Write returned %d, want 8", n)
	}

	got := make([]byte, len(payload))
	if _, err := pcmR.Read(got); err != nil {
		t.Fatalf("reading fanned-out data: %v", err)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], payload[i])
		}
	}
}

func TestCoordinator_AddClient_RejectsOverCapacity(t *testing.T) {
	coord, err := NewCoordinatorFromConfig(PCMHandle{
		Direction: DirectionCapture,
		Format:    FormatS16LE,
		Channels:  2,
	}, &Config{MaxClients: 1})
	if err != nil {
		t.Fatalf("NewCoordinatorFromConfig: %v", err)
	}
	t.Cleanup(func() { coord.Free() })

	if err := coord.Init(8); err != nil {
		t.Fatalf("Init: %v", err)
	}

	mk := func() (int, int) {
		pcmR, pcmW, _ := os.Pipe()
		ctlR, ctlW, _ := os.Pipe()
		t.Cleanup(func() {
			pcmR.Close()
			pcmW.Close()
			ctlR.Close()
			ctlW.Close()
		})
		return int(pcmW.Fd()), int(ctlR.Fd())
	}

	pcm1, ctl1 := mk()
	ok, err := coord.AddClient(pcm1, ctl1)
	if err != nil || !ok {
		t.Fatalf("first AddClient: ok=%v err=%v", ok, err)
	}

	pcm2, ctl2 := mk()
	ok, err = coord.AddClient(pcm2, ctl2)
	if ok || err == nil {
		t.Fatalf("second AddClient should fail over capacity: ok=%v err=%v", ok, err)
	}
}

func TestCoordinator_PlaybackMixesAndReads(t *testing.T) {
	coord := newTestCoordinator(t, DirectionPlayback)
	if err := coord.Init(8); err != nil { // 4 frames * 2 channels
		t.Fatalf("Init: %v", err)
	}

	pcmR, pcmW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pcmW.Close()
	ctlR, ctlW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer ctlR.Close()
	defer ctlW.Close()

	ok, err := coord.AddClient(int(pcmR.Fd()), int(ctlR.Fd()))
	if err != nil || !ok {
		t.Fatalf("AddClient: ok=%v err=%v", ok, err)
	}

	// Stage more than ClientThreshold periods so the client is promoted
	// from Idle to Running and starts delivering into the mix.
	frame := make([]byte, 2*8*2) // 2 periods worth: 8 samples/period, 2 bytes/sample
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x10
	}
	if _, err := pcmW.Write(frame); err != nil {
		t.Fatalf("writing client data: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for coord.State() != CoordinatorRunning && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	out := make([]byte, 8*2)
	n, err := coord.Read(out, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n == 0 {
		t.Fatal("Read produced no samples once coordinator was Running")
	}
}
