// poller.go: epoll multiplexer, eventfd and timerfd wrappers
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0
//
// Grounded on original_source/src/bluealsa-pcm-multi.c and
// bluealsa-pcm-client.c, which multiplex client pipes, control pipes,
// drain timers and the coordinator's own wake signal on a single
// epoll instance per direction. golang.org/x/sys/unix gives direct
// access to epoll_create1/epoll_ctl/epoll_wait, eventfd and timerfd_create,
// the same syscalls the original uses, following the precedent set by
// doismellburning-samoyed, sakateka-yanet2 and usbarmory-tamago for raw
// Linux syscall access from Go.

package confluence

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// eventKind identifies what a poller event refers to, so the worker loop
// can dispatch without consulting the client table on every wakeup.
type eventKind uint8

const (
	eventKindWake eventKind = iota
	eventKindClientPCM
	eventKindClientControl
	eventKindClientDrain
)

// pollToken is the bookkeeping the worker loop attaches to every
// registered fd; epoll's user data carries the fd, which keys the
// poller's token table.
type pollToken struct {
	kind     eventKind
	clientID uint32
}

// eventPoller is a thin wrapper over a single epoll instance, following
// spec §4.4's "event multiplexer". It is not safe for concurrent use by
// more than one goroutine; exactly one worker goroutine owns it.
type eventPoller struct {
	epfd   int
	tokens map[int]pollToken // fd -> token, for dispatch after Wait
}

func newEventPoller() (*eventPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("confluence: epoll_create1: %w", err)
	}
	return &eventPoller{epfd: epfd, tokens: make(map[int]pollToken)}, nil
}

func (p *eventPoller) close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	return err
}

func (p *eventPoller) add(fd int, events uint32, tok pollToken) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("confluence: epoll_ctl(ADD, %d): %w", fd, err)
	}
	p.tokens[fd] = tok
	return nil
}

func (p *eventPoller) modify(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("confluence: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

func (p *eventPoller) remove(fd int) error {
	delete(p.tokens, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("confluence: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// pollEvent is what wait() reports: the fd that fired, its token, and
// the raw epoll event bits (so callers can distinguish POLLIN/POLLOUT
// from POLLHUP/POLLERR without a second syscall).
type pollEvent struct {
	fd     int
	token  pollToken
	events uint32
}

const maxPollEvents = 1 + maxClients*3

// wait blocks until at least one registered fd is ready, or the epoll
// instance is closed from under it. Mirrors epoll_wait(-1): no timeout,
// since the original always blocks indefinitely between work batches.
func (p *eventPoller) wait() ([]pollEvent, error) {
	raw := make([]unix.EpollEvent, maxPollEvents)
	n, err := unix.EpollWait(p.epfd, raw, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("confluence: epoll_wait: %w", err)
	}
	out := make([]pollEvent, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)
		out = append(out, pollEvent{fd: fd, token: p.tokens[fd], events: raw[i].Events})
	}
	return out, nil
}

// eventFD wraps a Linux eventfd used as the coordinator's wake and stop
// signal to its worker.
type eventFD struct {
	fd int
}

func newEventFD() (*eventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("confluence: eventfd: %w", err)
	}
	return &eventFD{fd: fd}, nil
}

func (e *eventFD) signal(v uint64) error {
	buf := make([]byte, 8)
	leUint64(buf, v)
	_, err := retryEINTR(func() (int, error) { return unix.Write(e.fd, buf) })
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("confluence: eventfd write: %w", err)
	}
	return nil
}

// drain reads and clears the eventfd's accumulated counter, returning
// its value (0 if nothing was pending).
func (e *eventFD) drain() uint64 {
	buf := make([]byte, 8)
	n, err := retryEINTR(func() (int, error) { return unix.Read(e.fd, buf) })
	if err != nil || n != 8 {
		return 0
	}
	return leGetUint64(buf)
}

func (e *eventFD) close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// timerFD wraps a Linux timerfd used for a client's drain deadline.
type timerFD struct {
	fd int
}

func newTimerFD() (*timerFD, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("confluence: timerfd_create: %w", err)
	}
	return &timerFD{fd: fd}, nil
}

// arm schedules a one-shot expiry after d, disarming any previous timer.
func (t *timerFD) arm(d time.Duration) error {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

// disarm cancels any pending expiry.
func (t *timerFD) disarm() error {
	var spec unix.ItimerSpec
	return unix.TimerfdSettime(t.fd, 0, &spec, nil)
}

func (t *timerFD) drain() {
	buf := make([]byte, 8)
	_, _ = retryEINTR(func() (int, error) { return unix.Read(t.fd, buf) })
}

func (t *timerFD) close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

func leUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func leGetUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
