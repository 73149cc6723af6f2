package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/vango-go/interview-relay/pkg/gateway/live/audio"
	"github.com/vango-go/interview-relay/pkg/gateway/live/protocol"
)

type fakeClient struct {
	handshake      protocol.Handshake
	handshakeErr   error
	blockHandshake bool

	// in delivers client audio; closing it ends the stream.
	in chan audio.Chunk

	failSendOn int
	dropAll    bool

	mu         sync.Mutex
	readyID    string
	sent       []audio.Chunk
	statuses   []protocol.Status
	recvCalls  int
	sendCalls  int
	concurrent bool
	inSend     atomic.Bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handshake: protocol.Handshake{Intent: protocol.IntentStart},
		in:        make(chan audio.Chunk, 16),
	}
}

func (c *fakeClient) AcceptHandshake(ctx context.Context) (protocol.Handshake, error) {
	if c.blockHandshake {
		<-ctx.Done()
		return protocol.Handshake{}, ctx.Err()
	}
	return c.handshake, c.handshakeErr
}

func (c *fakeClient) Ready(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyID = sessionID
	return nil
}

func (c *fakeClient) ReceiveAudio(ctx context.Context) (audio.Chunk, error) {
	c.mu.Lock()
	c.recvCalls++
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	case chunk, ok := <-c.in:
		if !ok {
			return audio.Chunk{}, NewError(KindClientDisconnected, DirectionNone, io.EOF)
		}
		return chunk, nil
	}
}

func (c *fakeClient) SendAudio(_ context.Context, chunk audio.Chunk) error {
	if !c.inSend.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.concurrent = true
		c.mu.Unlock()
	}
	defer c.inSend.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.failSendOn > 0 && c.sendCalls == c.failSendOn {
		return errors.New("write: broken pipe")
	}
	if c.dropAll {
		return ErrChunkDropped
	}
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *fakeClient) Close(status protocol.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, status)
	return nil
}

func (c *fakeClient) snapshot() (sent []audio.Chunk, statuses []protocol.Status, recvCalls, sendCalls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Chunk(nil), c.sent...), append([]protocol.Status(nil), c.statuses...), c.recvCalls, c.sendCalls
}

type fakeUpstream struct {
	// out delivers upstream audio; closing it ends the sequence with io.EOF.
	out chan audio.Chunk
	// ignoreClose makes Receive block until out yields, like a stuck transport.
	ignoreClose bool

	mu      sync.Mutex
	sent    []audio.Chunk
	sendErr error

	closes    atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{out: make(chan audio.Chunk, 16), closed: make(chan struct{})}
}

func (u *fakeUpstream) SendChunk(_ context.Context, chunk audio.Chunk) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sendErr != nil {
		return u.sendErr
	}
	u.sent = append(u.sent, chunk)
	return nil
}

func (u *fakeUpstream) Receive(ctx context.Context) (audio.Chunk, error) {
	if u.ignoreClose {
		chunk, ok := <-u.out
		if !ok {
			return audio.Chunk{}, io.EOF
		}
		return chunk, nil
	}
	select {
	case <-ctx.Done():
		return audio.Chunk{}, ctx.Err()
	case <-u.closed:
		return audio.Chunk{}, io.EOF
	case chunk, ok := <-u.out:
		if !ok {
			return audio.Chunk{}, io.EOF
		}
		return chunk, nil
	}
}

func (u *fakeUpstream) Close() error {
	u.closes.Add(1)
	u.closeOnce.Do(func() { close(u.closed) })
	return nil
}

func (u *fakeUpstream) sentChunks() []audio.Chunk {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]audio.Chunk(nil), u.sent...)
}

type fakeConnector struct {
	up  UpstreamSession
	err error

	mu    sync.Mutex
	calls int
	cfg   UpstreamConfig
}

func (c *fakeConnector) Connect(_ context.Context, cfg UpstreamConfig) (UpstreamSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.cfg = cfg
	if c.err != nil {
		return nil, c.err
	}
	return c.up, nil
}

func (c *fakeConnector) snapshot() (int, UpstreamConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls, c.cfg
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []State
	forwarded   map[Direction]int
	dropped     int
	ended       []Report
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{forwarded: map[Direction]int{}}
}

func (o *recordingObserver) StateChanged(_ string, _ State, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) ChunkForwarded(_ string, dir Direction, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forwarded[dir]++
}

func (o *recordingObserver) ChunkDropped(string, Direction, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) SessionEnded(r Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, r)
}

func (o *recordingObserver) states() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.transitions...)
}

func pcm(n int, fill byte) audio.Chunk {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return audio.NewChunk(b, audio.ClientFormat)
}
