package confluence

import "testing"

func fakeClient(direction Direction, mixThreshold, clientThreshold int) *Client {
	return &Client{
		coord: &Coordinator{
			cfg: &Config{MixThreshold: mixThreshold, ClientThreshold: clientThreshold},
			pcm: PCMHandle{Direction: direction, Channels: 2, Format: FormatS16LE},
		},
		direction:       direction,
		state:           ClientInit,
		mixThreshold:    mixThreshold,
		clientThreshold: clientThreshold,
	}
}

func TestClient_SetState_PlaybackActiveCount(t *testing.T) {
	cl := fakeClient(DirectionPlayback, 2, 2)
	cl.coord.periodFrames = 8

	if cl.coord.activeCnt != 0 {
		t.Fatalf("activeCnt starting = %d, want 0", cl.coord.activeCnt)
	}

	cl.setState(ClientIdle)
	if cl.coord.activeCnt != 0 {
		t.Fatalf("Idle entry should not change activeCnt, got %d", cl.coord.activeCnt)
	}

	cl.setState(ClientRunning)
	if cl.coord.activeCnt != 1 {
		t.Fatalf("Idle->Running should increment activeCnt, got %d", cl.coord.activeCnt)
	}
	if cl.outOffset >= 0 {
		t.Fatalf("Idle->Running should set a negative outOffset, got %d", cl.outOffset)
	}

	cl.setState(ClientDraining1)
	if cl.coord.activeCnt != 1 {
		t.Fatalf("Running->Draining1 should not change activeCnt, got %d", cl.coord.activeCnt)
	}

	cl.setState(ClientDraining2)
	if cl.coord.activeCnt != 0 {
		t.Fatalf("Draining1->Draining2 should decrement activeCnt, got %d", cl.coord.activeCnt)
	}

	cl.setState(ClientIdle)
	cl.setState(ClientRunning)
	cl.setState(ClientIdle)
	if cl.coord.activeCnt != 0 {
		t.Fatalf("Running->Idle should decrement activeCnt, got %d", cl.coord.activeCnt)
	}
}

func TestClient_SetState_CaptureActiveCount(t *testing.T) {
	cl := fakeClient(DirectionCapture, 2, 2)

	cl.setState(ClientRunning)
	if cl.coord.activeCnt != 1 {
		t.Fatalf("Init->Running should increment activeCnt, got %d", cl.coord.activeCnt)
	}

	cl.setState(ClientPaused)
	if cl.coord.activeCnt != 0 {
		t.Fatalf("Running->Paused (capture) should decrement activeCnt, got %d", cl.coord.activeCnt)
	}

	cl.setState(ClientRunning)
	if cl.coord.activeCnt != 1 {
		t.Fatalf("Paused->Running should increment activeCnt, got %d", cl.coord.activeCnt)
	}
}

func TestClient_SetState_RunningFromDraining1IsNoOp(t *testing.T) {
	cl := fakeClient(DirectionPlayback, 2, 2)
	cl.coord.periodFrames = 8
	cl.setState(ClientIdle)
	cl.setState(ClientRunning)
	cl.setState(ClientDraining1)

	before := cl.coord.activeCnt
	cl.outOffset = 12345
	cl.setState(ClientRunning)

	if cl.coord.activeCnt != before {
		t.Fatalf("Draining1->Running should not change activeCnt, got %d want %d", cl.coord.activeCnt, before)
	}
	if cl.outOffset != 12345 {
		t.Fatalf("Draining1->Running should not touch outOffset, got %d", cl.outOffset)
	}
}

func TestClient_PlaybackInitOffset(t *testing.T) {
	cl := fakeClient(DirectionPlayback, 2, 2)
	cl.coord.periodFrames = 4 // 4 frames * 2 channels = 8 samples/period

	cl.inOffset = 0
	got := cl.playbackInitOffset()
	want := int64(2 * 8) // mixThreshold * periodSamples
	if got != want {
		t.Fatalf("playbackInitOffset() = %d, want %d", got, want)
	}
}

func TestClient_BeginDrain_CaptureAcksImmediately(t *testing.T) {
	pcmR, pcmW, err := pipePair(t)
	if err != nil {
		t.Fatal(err)
	}
	defer pcmR.Close()
	defer pcmW.Close()
	ctlR, ctlW, err := pipePair(t)
	if err != nil {
		t.Fatal(err)
	}
	defer ctlR.Close()
	defer ctlW.Close()

	cl := fakeClient(DirectionCapture, 2, 2)
	cl.controlFD = int(ctlW.Fd())
	cl.setState(ClientRunning)

	cl.beginDrain()

	buf := make([]byte, 2)
	n, err := ctlR.Read(buf)
	if err != nil {
		t.Fatalf("reading control ack: %v", err)
	}
	if string(buf[:n]) != "OK" {
		t.Fatalf("control ack = %q, want OK", buf[:n])
	}
}
