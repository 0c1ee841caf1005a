//go:build linux

package tcpagent

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// closeEvent records one OnClose delivery for assertions.
type closeEvent struct {
	id   ConnID
	op   SocketOperation
	flag CloseFlag
	err  error
}

// testSink is an EventSink that funnels every callback into channels
// and buffers, in the style of socket515-gaio/aio_test.go's echoServer
// callback wiring.
type testSink struct {
	BaseEventSink

	mu        sync.Mutex
	received  map[ConnID]*bytes.Buffer
	connected chan ConnID
	closed    chan closeEvent

	onPrepareConnect func(ConnID, int) error
}

func newTestSink() *testSink {
	return &testSink{
		received:  make(map[ConnID]*bytes.Buffer),
		connected: make(chan ConnID, 64),
		closed:    make(chan closeEvent, 64),
	}
}

func (s *testSink) OnPrepareConnect(id ConnID, fd int) error {
	if s.onPrepareConnect != nil {
		return s.onPrepareConnect(id, fd)
	}
	return nil
}

func (s *testSink) OnConnect(id ConnID) error {
	s.connected <- id
	return nil
}

func (s *testSink) OnReceive(id ConnID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.received[id]
	if !ok {
		buf = &bytes.Buffer{}
		s.received[id] = buf
	}
	buf.Write(data)
	return nil
}

func (s *testSink) OnClose(id ConnID, op SocketOperation, flag CloseFlag, err error) {
	s.closed <- closeEvent{id: id, op: op, flag: flag, err: err}
}

func (s *testSink) bytesFor(id ConnID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.received[id]; ok {
		return buf.Bytes()
	}
	return nil
}

// startEchoServer runs a trivial loopback TCP echo server and returns
// its address.
func startEchoServer(t *testing.T) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

type AgentTestSuite struct {
	suite.Suite
}

func TestAgentSuite(t *testing.T) {
	suite.Run(t, new(AgentTestSuite))
}

func (s *AgentTestSuite) TestHappyPath() {
	addr, stop := startEchoServer(s.T())
	defer stop()

	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 2
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	id, err := agent.Connect(addr)
	s.Require().NoError(err)

	select {
	case gotID := <-sink.connected:
		s.Equal(id, gotID)
	case <-time.After(time.Second):
		s.Fail("OnConnect did not fire")
	}

	s.Require().NoError(agent.Send(id, []byte("ABCD")))

	s.Require().Eventually(func() bool {
		return bytes.Equal(sink.bytesFor(id), []byte("ABCD"))
	}, time.Second, 10*time.Millisecond)

	s.Require().NoError(agent.Disconnect(id, false))

	select {
	case ev := <-sink.closed:
		s.Equal(id, ev.id)
		s.Equal(SOClose, ev.op)
	case <-time.After(time.Second):
		s.Fail("OnClose did not fire")
	}
}

func (s *AgentTestSuite) TestConnectionRefused() {
	// bind then immediately close to obtain a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	addr := ln.Addr().String()
	ln.Close()

	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 1
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	_, err = agent.Connect(addr)
	s.Require().NoError(err)

	select {
	case ev := <-sink.closed:
		s.Equal(SOConnect, ev.op)
		s.Equal(SCFError, ev.flag)
	case <-time.After(time.Second):
		s.Fail("expected OnClose(op=SOConnect) for a refused connection")
	}

	select {
	case <-sink.connected:
		s.Fail("OnConnect must not fire for a refused connection")
	default:
	}
}

func (s *AgentTestSuite) TestPauseUnpause() {
	addr, stop := startEchoServer(s.T())
	defer stop()

	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 1
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	id, err := agent.Connect(addr)
	s.Require().NoError(err)
	<-sink.connected

	s.Require().NoError(agent.PauseReceive(id, true))

	payload := bytes.Repeat([]byte{'x'}, 4096)
	s.Require().NoError(agent.Send(id, payload))

	time.Sleep(300 * time.Millisecond)
	s.Empty(sink.bytesFor(id), "no data should be delivered while paused")

	s.Require().NoError(agent.PauseReceive(id, false))
	s.Require().Eventually(func() bool {
		return len(sink.bytesFor(id)) == len(payload)
	}, 2*time.Second, 10*time.Millisecond)
}

// TestSyncConnectTimeout exercises the sync-mode connect path against a
// non-routable address. Where a default route covers the TEST-NET-3
// address (198.51.100.0/24, RFC 5737) the SYN is black-holed and the
// deadline fires; with no route at all connect() fails at once and
// Connect takes its immediate-error branch; an ICMP unreachable reply
// surfaces as a socket error once the poll returns. Either way
// WithSync must return a non-nil error within its timeout.
func (s *AgentTestSuite) TestSyncConnectTimeout() {
	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 1
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	start := time.Now()
	_, err = agent.Connect("198.51.100.1:1", WithSync(100*time.Millisecond))
	s.Require().Error(err)
	s.Less(time.Since(start), 500*time.Millisecond)

	select {
	case <-sink.connected:
		s.Fail("OnConnect must not fire for a failed sync connect")
	default:
	}
}

func (s *AgentTestSuite) TestQuarantine() {
	addr, stop := startEchoServer(s.T())
	defer stop()

	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 1
	opts.FreeSocketObjLockTime = 2 * time.Second
	opts.FreeSocketObjPool = 1
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	id1, err := agent.Connect(addr)
	s.Require().NoError(err)
	<-sink.connected
	s.Require().NoError(agent.Disconnect(id1, false))
	<-sink.closed

	s.Require().Eventually(func() bool {
		return agent.connPool.freeLen() == 1
	}, time.Second, 10*time.Millisecond)
	freed := agent.connPool.free[0]

	id2, err := agent.Connect(addr)
	s.Require().NoError(err)
	<-sink.connected
	rec2 := agent.table.lookup(id2)
	s.Require().NotNil(rec2)
	s.NotSame(freed, rec2, "quarantine must not elapse immediately")

	s.Require().NoError(agent.Disconnect(id2, false))
	<-sink.closed

	time.Sleep(2100 * time.Millisecond)

	id3, err := agent.Connect(addr)
	s.Require().NoError(err)
	<-sink.connected
	rec3 := agent.table.lookup(id3)
	s.Require().NotNil(rec3)
	s.Same(freed, rec3, "record should be reused once quarantine elapses")
}

func (s *AgentTestSuite) TestConnectionCountLimit() {
	addr, stop := startEchoServer(s.T())
	defer stop()

	sink := newTestSink()
	opts := DefaultOptions()
	opts.WorkerThreadCount = 1
	opts.MaxConnectionCount = 2
	agent, err := NewAgent(sink, opts)
	s.Require().NoError(err)
	s.Require().NoError(agent.Start("", true))
	defer agent.Stop()

	id1, err := agent.Connect(addr)
	s.Require().NoError(err)
	id2, err := agent.Connect(addr)
	s.Require().NoError(err)

	_, err = agent.Connect(addr)
	s.Require().Error(err)
	s.True(Is(err, KindConnectionCountLimit))

	s.Require().NoError(agent.Disconnect(id1, false))
	s.Require().NoError(agent.Disconnect(id2, false))

	s.Require().Eventually(func() bool {
		return agent.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}
