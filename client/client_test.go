package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/wire"
)

// fakeCoordinator accepts one connection and hands it to the test.
func fakeCoordinator(t *testing.T) (net.Listener, chan net.Conn) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { _ = lis.Close() })
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return lis, conns
}

func testConfig(port int) Config {
	return Config{
		Addr:            "127.0.0.1",
		Port:            port,
		Instance:        1,
		ConnectAttempts: 10,
		ConnectBackoff:  20 * time.Millisecond,
		ResponseTimeout: 300 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
	}
}

func receiveRecord(t *testing.T, reader *wire.Reader) wire.Message {
	var (
		msg wire.Message
		err error
	)
	for i := 0; i < 100; i++ {
		msg, err = reader.Poll(20 * time.Millisecond)
		if err != wire.ErrNoData {
			break
		}
	}
	require.Nil(t, err)
	return msg
}

func TestConnectRegisters(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()

	server := <-conns
	msg := receiveRecord(t, wire.NewReader(server))
	assert.Equal(t, wire.KindRegister, msg.Kind)
	assert.Equal(t, int32(1), msg.Instance)
}

func TestConnectFailsAfterAttemptBudget(t *testing.T) {
	cfg := testConfig(1) //nothing listens on port 1
	cfg.ConnectAttempts = 2
	_, err := Connect(cfg)
	assert.NotNil(t, err)
}

func TestSubmitTimeoutIsNonFatal(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port), WithAbort(func(string) {
		t.Error("abort on timeout")
	}))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()
	<-conns //coordinator never answers

	start := time.Now()
	assert.Nil(t, cl.Submit(1, 0, "x=1.0"))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
}

func TestSubmitMatchResult(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port), WithAbort(func(string) {
		t.Error("abort on match")
	}))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()

	server := <-conns
	go func() {
		reader := wire.NewReader(server)
		for {
			msg, err := reader.Poll(20 * time.Millisecond)
			if err == wire.ErrNoData {
				continue
			}
			if err != nil {
				return
			}
			if msg.Kind == wire.KindSyncPoint {
				_ = wire.Send(server, wire.Message{
					Kind:     wire.KindResult,
					Instance: -1,
					Seq:      msg.Seq,
					Point:    msg.Point,
					Passed:   true,
				})
			}
		}
	}()
	assert.Nil(t, cl.Submit(3, 1, "x=1.0"))
}

func TestSubmitMismatchTriggersAbort(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	aborted := make(chan string, 1)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port), WithAbort(func(detail string) {
		aborted <- detail
	}))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()

	server := <-conns
	go func() {
		reader := wire.NewReader(server)
		for {
			msg, err := reader.Poll(20 * time.Millisecond)
			if err == wire.ErrNoData {
				continue
			}
			if err != nil {
				return
			}
			if msg.Kind == wire.KindSyncPoint {
				_ = wire.Send(server, wire.Message{
					Kind:     wire.KindResult,
					Instance: -1,
					Seq:      msg.Seq,
					Passed:   false,
					Detail:   "x=2.0",
				})
			}
		}
	}()
	require.Nil(t, cl.Submit(5, 0, "x=1.0"))
	select {
	case detail := <-aborted:
		assert.Contains(t, detail, `local="x=1.0"`)
		assert.Contains(t, detail, `peer="x=2.0"`)
	case <-time.After(time.Second):
		t.Error("mismatch result did not trigger abort")
	}
}

func TestSubmitMismatchWithoutPeerDetail(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	aborted := make(chan string, 1)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port), WithAbort(func(detail string) {
		aborted <- detail
	}))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()

	server := <-conns
	go func() {
		reader := wire.NewReader(server)
		for {
			msg, err := reader.Poll(20 * time.Millisecond)
			if err == wire.ErrNoData {
				continue
			}
			if err != nil {
				return
			}
			if msg.Kind == wire.KindSyncPoint {
				//a result without a peer fingerprint, as with three or more
				//instances
				_ = wire.Send(server, wire.Message{
					Kind:     wire.KindResult,
					Instance: -1,
					Seq:      msg.Seq,
					Passed:   false,
				})
			}
		}
	}()
	require.Nil(t, cl.Submit(7, 0, "x=1.0"))
	select {
	case detail := <-aborted:
		assert.Contains(t, detail, `local="x=1.0"`)
		assert.NotContains(t, detail, "peer=")
	case <-time.After(time.Second):
		t.Error("mismatch result did not trigger abort")
	}
}

func TestSubmitIgnoresStaleResults(t *testing.T) {
	lis, conns := fakeCoordinator(t)
	cl, err := Connect(testConfig(lis.Addr().(*net.TCPAddr).Port), WithAbort(func(string) {
		t.Error("abort on stale result")
	}))
	require.Nil(t, err)
	defer func() { _ = cl.Close() }()

	server := <-conns
	go func() {
		reader := wire.NewReader(server)
		for {
			msg, err := reader.Poll(20 * time.Millisecond)
			if err == wire.ErrNoData {
				continue
			}
			if err != nil {
				return
			}
			if msg.Kind == wire.KindSyncPoint {
				//stale result for an older sync point, then the real one
				_ = wire.Send(server, wire.Message{Kind: wire.KindResult, Instance: -1, Seq: msg.Seq - 1, Passed: false})
				_ = wire.Send(server, wire.Message{Kind: wire.KindResult, Instance: -1, Seq: msg.Seq, Passed: true})
			}
		}
	}()
	assert.Nil(t, cl.Submit(9, 0, "x=1.0"))
}
