// client.go: the Client Endpoint state machine
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Grounded on original_source/src/bluealsa-pcm-client.c, translated fd-
// for-fd: a playback client is driven by its data pipe, its control
// pipe and a drain timerfd; a capture client only ever needs its data
// pipe and control pipe, since there is nothing to drain on that side.

package confluence

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ClientState is the lifecycle of one attached client (spec §4.2).
type ClientState uint8

const (
	ClientInit ClientState = iota
	ClientIdle
	ClientRunning
	ClientPaused
	ClientDraining1
	ClientDraining2
	ClientFinished
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "init"
	case ClientIdle:
		return "idle"
	case ClientRunning:
		return "running"
	case ClientPaused:
		return "paused"
	case ClientDraining1:
		return "draining1"
	case ClientDraining2:
		return "draining2"
	case ClientFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Client is one attached local endpoint of a Coordinator: a playback
// source feeding the mix, or a capture sink draining it.
type Client struct {
	id        uint32
	coord     *Coordinator
	direction Direction

	pcmFD     int
	controlFD int

	state ClientState

	// Playback-only fields.
	staging    []byte
	inOffset   int   // bytes currently staged, awaiting admission to the mix
	outOffset  int64 // signed position in the mix buffer; negative means ahead
	drop       bool
	drainAvail uint64
	drainTimer *timerFD

	periodBytes     int
	mixThreshold    int
	clientThreshold int
}

func newClient(c *Coordinator, id uint32, pcmFD, controlFD int) (*Client, error) {
	// Client pipes are read and written from the worker and from
	// Coordinator.Write, neither of which may block on a slow peer, so
	// both fds are switched to non-blocking mode.
	if err := unix.SetNonblock(pcmFD, true); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(controlFD, true); err != nil {
		return nil, err
	}

	cl := &Client{
		id:              id,
		coord:           c,
		direction:       c.pcm.Direction,
		pcmFD:           pcmFD,
		controlFD:       controlFD,
		state:           ClientInit,
		mixThreshold:    c.cfg.MixThreshold,
		clientThreshold: c.cfg.ClientThreshold,
	}

	// A capture client's data pipe is only ever written to, synchronously,
	// from Coordinator.Write; it has nothing for the snoop worker to
	// usefully epoll (the pipe's write side is level-triggered ready
	// almost permanently, which would just spin the worker). Only
	// playback clients are polled for readability on their data pipe.
	if cl.direction == DirectionPlayback {
		if err := c.poller.add(pcmFD, uint32(unix.EPOLLIN), pollToken{kind: eventKindClientPCM, clientID: id}); err != nil {
			return nil, err
		}
	}
	if err := c.poller.add(controlFD, uint32(unix.EPOLLIN), pollToken{kind: eventKindClientControl, clientID: id}); err != nil {
		if cl.direction == DirectionPlayback {
			c.poller.remove(pcmFD)
		}
		return nil, err
	}

	if cl.direction == DirectionPlayback {
		timer, err := newTimerFD()
		if err != nil {
			c.poller.remove(pcmFD)
			c.poller.remove(controlFD)
			return nil, err
		}
		if err := c.poller.add(timer.fd, uint32(unix.EPOLLIN), pollToken{kind: eventKindClientDrain, clientID: id}); err != nil {
			timer.close()
			c.poller.remove(pcmFD)
			c.poller.remove(controlFD)
			return nil, err
		}
		cl.drainTimer = timer
	}

	return cl, nil
}

// init finishes setting up a client once the coordinator's period size is
// known (it may arrive after the client's fds were registered, if the
// client connected before the coordinator's own Init).
func (cl *Client) init() {
	cl.periodBytes = cl.coord.periodBytes

	if cl.direction == DirectionPlayback {
		cl.staging = make([]byte, (cl.clientThreshold+1)*cl.periodBytes)
		cl.setState(ClientIdle)
		cl.watchPCM(true)
		return
	}
	cl.setState(ClientRunning)
}

func (cl *Client) playbackInitOffset() int64 {
	periodSamples := int64(cl.coord.periodFrames * cl.coord.pcm.Channels)
	bytesPerSample := int64(cl.coord.pcm.Format.BytesPerSample())
	if bytesPerSample == 0 {
		bytesPerSample = 1
	}
	return int64(cl.mixThreshold)*periodSamples - int64(cl.inOffset)/bytesPerSample
}

// setState is the central transition function: every state change that
// affects the coordinator's active client count goes through here,
// mirroring bluealsa_pcm_client_set_state exactly.
func (cl *Client) setState(next ClientState) {
	prev := cl.state

	switch next {
	case ClientIdle, ClientFinished:
		if prev == ClientRunning || prev == ClientDraining1 {
			cl.coord.activeCnt--
		}
		if next == ClientIdle {
			cl.drainAvail = ^uint64(0)
		}
	case ClientPaused:
		if cl.direction == DirectionCapture && prev == ClientRunning {
			cl.coord.activeCnt--
		}
	case ClientRunning:
		if cl.direction == DirectionCapture {
			if prev == ClientIdle || prev == ClientInit || prev == ClientPaused {
				cl.coord.activeCnt++
			}
		} else {
			if prev == ClientDraining1 {
				cl.state = next
				return
			}
			if prev == ClientIdle {
				cl.outOffset = -cl.playbackInitOffset()
				cl.coord.activeCnt++
			}
		}
	case ClientDraining2:
		if prev == ClientDraining1 {
			cl.coord.activeCnt--
		}
	}

	cl.state = next
}

// watchPCM toggles whether the client's data pipe is polled for
// readability. It only applies to playback clients; a capture client's
// data pipe is never registered with the poller (see newClient).
func (cl *Client) watchPCM(enabled bool) {
	if cl.direction != DirectionPlayback {
		return
	}
	events := uint32(0)
	if enabled {
		events = uint32(unix.EPOLLIN)
	}
	if err := cl.coord.poller.modify(cl.pcmFD, events); err != nil {
		cl.coord.reportError("watch_pcm", err)
	}
}

func (cl *Client) watchDrain(enabled bool) {
	if cl.drainTimer == nil {
		return
	}
	var err error
	if enabled {
		err = cl.drainTimer.arm(cl.coord.cfg.DrainTimeout)
	} else {
		err = cl.drainTimer.disarm()
	}
	if err != nil {
		cl.coord.reportError("watch_drain", err)
	}
}

func (cl *Client) closePCM() {
	if cl.pcmFD < 0 {
		return
	}
	cl.coord.poller.remove(cl.pcmFD)
	unix.Close(cl.pcmFD)
	cl.pcmFD = -1
}

func (cl *Client) closeControl() {
	if cl.controlFD < 0 {
		return
	}
	cl.coord.poller.remove(cl.controlFD)
	unix.Close(cl.controlFD)
	cl.controlFD = -1
}

// read drains as much of the client's pcm data pipe into the staging
// buffer as there is room for. It returns the number of bytes read; a
// negative count signals the peer closed the pipe.
func (cl *Client) read() int {
	room := len(cl.staging) - cl.inOffset
	if room <= 0 {
		return 0
	}
	n, err := retryEINTR(func() (int, error) { return unix.Read(cl.pcmFD, cl.staging[cl.inOffset:]) })
	if err != nil {
		if err == unix.EAGAIN {
			return 0
		}
		return -1
	}
	if n == 0 {
		return -1
	}
	cl.inOffset += n
	return n
}

// write delivers one period of captured audio to this client, dropping
// it silently (with an ErrClientSlow report) if the client's pipe is not
// keeping up. Mirrors bluealsa_pcm_client_write.
func (cl *Client) write(data []byte) {
	n, err := retryEINTR(func() (int, error) { return unix.Write(cl.pcmFD, data) })
	if err != nil {
		if err == unix.EAGAIN {
			cl.coord.reportError("client_write", ErrClientSlow)
			return
		}
		cl.coord.reportError("client_write", ErrPeerGone)
		cl.closePCM()
		cl.setState(ClientFinished)
		return
	}
	if n < len(data) {
		cl.coord.reportError("client_write", ErrClientSlow)
	}
}

// deliver admits whatever this client has staged into the shared mix
// buffer, advancing its own offset. Only Running and Draining1 clients
// are eligible. Mirrors bluealsa_pcm_client_deliver.
func (cl *Client) deliver() {
	if cl.state != ClientRunning && cl.state != ClientDraining1 {
		return
	}

	if cl.state == ClientDraining1 {
		n := cl.read()
		if n < 0 {
			cl.coord.reportError("deliver", ErrPeerGone)
			cl.closePCM()
			cl.setState(ClientFinished)
			return
		}
		if cl.inOffset == 0 && n == 0 {
			mixAvail := cl.coord.buffer.Delay(cl.outOffset)
			if mixAvail == 0 || mixAvail > cl.drainAvail {
				cl.setState(ClientDraining2)
				cl.watchDrain(true)
				return
			}
			cl.drainAvail = mixAvail
		}
	}

	if cl.inOffset <= 0 {
		return
	}

	consumed := cl.coord.buffer.Add(&cl.outOffset, cl.staging[:cl.inOffset], cl.mixThreshold)
	if consumed <= 0 {
		return
	}
	remaining := cl.inOffset - consumed
	if remaining > 0 {
		copy(cl.staging, cl.staging[consumed:cl.inOffset])
	}
	cl.inOffset = remaining
	cl.watchPCM(true)
}

// handlePlaybackPCM is the DATA-ready event handler: it stages bytes
// from the client's pipe and promotes Idle clients to Running once
// enough has been staged.
func (cl *Client) handlePlaybackPCM() {
	n := cl.read()
	if n < 0 {
		cl.coord.reportError("handle_playback_pcm", ErrPeerGone)
		cl.closePCM()
		cl.setState(ClientFinished)
		return
	}
	if len(cl.staging)-cl.inOffset == 0 {
		cl.watchPCM(false)
	}
	if cl.state == ClientIdle && cl.inOffset > cl.clientThreshold*cl.periodBytes {
		cl.setState(ClientRunning)
	}
}

// beginDrain starts draining a Running playback client, or immediately
// acknowledges a client that has nothing to drain.
func (cl *Client) beginDrain() {
	if cl.direction == DirectionPlayback && cl.state == ClientRunning {
		cl.setState(ClientDraining1)
		cl.watchPCM(false)
		return
	}
	cl.writeControlReply("OK")
}

// dropQueued discards whatever the client has queued, returning it to Idle.
func (cl *Client) dropQueued() {
	if cl.direction != DirectionPlayback {
		return
	}
	cl.watchDrain(false)
	cl.drainClientPipe()
	cl.inOffset = 0
	cl.setState(ClientIdle)
	cl.drop = true
}

// drainClientPipe discards up to one staging buffer's worth of queued
// bytes from the client's pipe with one non-blocking read, mirroring the
// original's splice-to-/dev/null drop path.
func (cl *Client) drainClientPipe() {
	buf := make([]byte, (cl.clientThreshold+1)*cl.periodBytes)
	_, _ = unix.Read(cl.pcmFD, buf)
}

// pause suspends delivery for this client, remembering the mix-buffer
// delay at the moment of pause so resume can pick up without a gap.
func (cl *Client) pause() {
	cl.setState(ClientPaused)
	cl.watchPCM(false)
	if cl.direction == DirectionPlayback {
		cl.outOffset = -int64(cl.coord.buffer.Delay(cl.outOffset))
	}
}

// resume reactivates a Paused or Idle client.
func (cl *Client) resume() {
	switch cl.state {
	case ClientIdle:
		if cl.direction == DirectionPlayback {
			cl.watchPCM(true)
			cl.drop = false
		} else {
			cl.setState(ClientRunning)
		}
	case ClientPaused:
		cl.setState(ClientRunning)
		if cl.direction == DirectionPlayback {
			cl.watchPCM(true)
		}
	}
}

// handleDrain fires when a client's drain timer expires: it forces the
// client back to Idle even if the mix buffer has not fully caught up.
func (cl *Client) handleDrain() {
	if cl.state != ClientDraining2 {
		return
	}
	cl.drainTimer.drain()
	cl.setState(ClientIdle)
	cl.watchDrain(false)
	cl.watchPCM(true)
	cl.inOffset = 0
	cl.writeControlReply("OK")
}

func (cl *Client) writeControlReply(msg string) {
	_, _ = retryEINTR(func() (int, error) { return unix.Write(cl.controlFD, []byte(msg)) })
}

// handleControl reads and dispatches one control command. A client
// still mid-drain is forced to complete first, since not every client
// waits for the drain acknowledgement before sending its next command.
func (cl *Client) handleControl() {
	buf := make([]byte, 6)
	n, err := retryEINTR(func() (int, error) { return unix.Read(cl.controlFD, buf) })
	if err != nil && err != unix.EAGAIN {
		n = 0
	}
	if n <= 0 {
		cl.closeControl()
		cl.setState(ClientFinished)
		return
	}

	if cl.state == ClientDraining1 {
		cl.setState(ClientDraining2)
	}
	if cl.state == ClientDraining2 {
		cl.handleDrain()
	}

	switch string(buf[:n]) {
	case "Drain":
		cl.beginDrain()
	case "Drop":
		cl.dropQueued()
		cl.writeControlReply("OK")
	case "Pause":
		cl.pause()
		cl.writeControlReply("OK")
	case "Resume":
		cl.resume()
		cl.writeControlReply("OK")
	default:
		cl.coord.reportError("handle_control", fmt.Errorf("%w: %q", ErrInvalidControl, buf[:n]))
		cl.writeControlReply("Invalid")
	}
}

// handleEvent dispatches a poller event for this client by kind.
func (cl *Client) handleEvent(kind eventKind) {
	switch kind {
	case eventKindClientPCM:
		if cl.direction == DirectionPlayback {
			cl.handlePlaybackPCM()
		}
		// Capture clients generate no PCM-readable events; their pcm fd
		// is only ever written to, from Coordinator.Write.
	case eventKindClientControl:
		cl.handleControl()
	case eventKindClientDrain:
		cl.handleDrain()
	}
}

// handleCloseEvent reacts to POLLHUP/POLLERR on any of this client's fds.
func (cl *Client) handleCloseEvent() {
	cl.setState(ClientFinished)
}

// release tears down every resource this client holds. Idempotent.
func (cl *Client) release() {
	if cl.drainTimer != nil {
		cl.coord.poller.remove(cl.drainTimer.fd)
		cl.drainTimer.close()
		cl.drainTimer = nil
	}
	cl.closePCM()
	cl.closeControl()
	cl.setState(ClientFinished)
}
