package coordinator

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicheck/replicheck/client"
	"github.com/replicheck/replicheck/journal"
	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/wire"
)

func startTestCoordinator(t *testing.T, instances int, opts ...Option) *Coordinator {
	c, err := Start(Config{
		Addr:           "127.0.0.1",
		Port:           0,
		Instances:      instances,
		AcceptInterval: 10 * time.Millisecond,
		DrainInterval:  2 * time.Millisecond,
	}, opts...)
	require.Nil(t, err)
	t.Cleanup(c.Stop)
	return c
}

func connectTestClient(t *testing.T, port int, instance int32, opts ...client.Option) *client.Client {
	cl, err := client.Connect(client.Config{
		Addr:            "127.0.0.1",
		Port:            port,
		Instance:        instance,
		ConnectAttempts: 20,
		ConnectBackoff:  50 * time.Millisecond,
		ResponseTimeout: 5 * time.Second,
		PollInterval:    20 * time.Millisecond,
	}, opts...)
	require.Nil(t, err)
	return cl
}

func TestThreeInstancesMatch(t *testing.T) {
	aborted := make(chan string, 1)
	coord := startTestCoordinator(t, 3, WithAbort(func(detail string) {
		aborted <- detail
	}))

	clients := make([]*client.Client, 3)
	for i := range clients {
		clients[i] = connectTestClient(t, coord.Port(), int32(i), client.WithAbort(func(string) {
			t.Error("client abort on matching fingerprints")
		}))
		defer func(cl *client.Client) { _ = cl.Shutdown() }(clients[i])
	}

	var wg sync.WaitGroup
	for i, cl := range clients {
		wg.Add(1)
		go func(i int, cl *client.Client) {
			defer wg.Done()
			assert.Nil(t, cl.Submit(1, 0, "x=1.0 y=2.0"))
		}(i, cl)
	}
	wg.Wait()
	select {
	case detail := <-aborted:
		t.Errorf("coordinator aborted on matching fingerprints: %s", detail)
	default:
	}
}

func TestTwoInstanceMismatchBroadcastsPeerFingerprints(t *testing.T) {
	coordAborted := make(chan string, 1)
	coord := startTestCoordinator(t, 2, WithAbort(func(detail string) {
		coordAborted <- detail
	}))

	clientAborts := make(chan string, 2)
	abortOpt := client.WithAbort(func(detail string) {
		clientAborts <- detail
	})
	cl0 := connectTestClient(t, coord.Port(), 0, abortOpt)
	defer func() { _ = cl0.Close() }()
	cl1 := connectTestClient(t, coord.Port(), 1, abortOpt)
	defer func() { _ = cl1.Close() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = cl0.Submit(1, 0, "v=1.0")
	}()
	go func() {
		defer wg.Done()
		_ = cl1.Submit(1, 0, "v=2.0")
	}()
	wg.Wait()

	//both participants observed the failed result and aborted
	details := []string{<-clientAborts, <-clientAborts}
	joined := details[0] + "\n" + details[1]
	assert.Contains(t, joined, `local="v=1.0" peer="v=2.0"`)
	assert.Contains(t, joined, `local="v=2.0" peer="v=1.0"`)

	select {
	case detail := <-coordAborted:
		assert.Contains(t, detail, "sync point 1")
	case <-time.After(2 * time.Second):
		t.Error("coordinator did not abort on mismatch")
	}
}

func TestTolerantMatchAcrossInstances(t *testing.T) {
	coord := startTestCoordinator(t, 2, WithAbort(func(detail string) {
		t.Errorf("unexpected abort: %s", detail)
	}))
	cl0 := connectTestClient(t, coord.Port(), 0)
	defer func() { _ = cl0.Shutdown() }()
	cl1 := connectTestClient(t, coord.Port(), 1)
	defer func() { _ = cl1.Shutdown() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Nil(t, cl0.Submit(1, 0, "x=1.0000000001 y=foo"))
	}()
	go func() {
		defer wg.Done()
		assert.Nil(t, cl1.Submit(1, 0, "x=1.0 y=foo"))
	}()
	wg.Wait()
}

func TestResolvedOutcomesAreJournaled(t *testing.T) {
	j, err := journal.Open(t.TempDir(), "test", log.Named("journal-test"))
	require.Nil(t, err)
	defer func() { _ = j.Close() }()

	coord := startTestCoordinator(t, 2, WithJournal(j))
	cl0 := connectTestClient(t, coord.Port(), 0)
	defer func() { _ = cl0.Shutdown() }()
	cl1 := connectTestClient(t, coord.Port(), 1)
	defer func() { _ = cl1.Shutdown() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Nil(t, cl0.Submit(1, 2, "e=0.5"))
	}()
	go func() {
		defer wg.Done()
		assert.Nil(t, cl1.Submit(1, 2, "e=0.5"))
	}()
	wg.Wait()

	records, err := j.Entries()
	require.Nil(t, err)
	require.Equal(t, 1, len(records))
	assert.Equal(t, int64(1), records[0].Seq)
	assert.Contains(t, records[0].Value, "passed=true")
	assert.Contains(t, records[0].Value, "point=2")
}

func TestPartialRecordDropsConnectionOnly(t *testing.T) {
	coord := startTestCoordinator(t, 2, WithAbort(func(detail string) {
		t.Errorf("unexpected abort: %s", detail)
	}))

	//a connection closed mid-record is a protocol violation: the offending
	//connection is dropped, everyone else keeps validating
	raw, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", coord.Port()))
	require.Nil(t, err)
	_, err = raw.Write(make([]byte, wire.RecordSize/2))
	require.Nil(t, err)
	require.Nil(t, raw.Close())

	cl0 := connectTestClient(t, coord.Port(), 0)
	defer func() { _ = cl0.Shutdown() }()
	cl1 := connectTestClient(t, coord.Port(), 1)
	defer func() { _ = cl1.Shutdown() }()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Nil(t, cl0.Submit(1, 0, "x=1.0"))
	}()
	go func() {
		defer wg.Done()
		assert.Nil(t, cl1.Submit(1, 0, "x=1.0"))
	}()
	wg.Wait()

	select {
	case <-coord.Done():
		t.Error("coordinator stopped on protocol violation")
	default:
	}
}

func TestShutdownLeavesCoordinatorRunning(t *testing.T) {
	coord := startTestCoordinator(t, 2)
	cl0 := connectTestClient(t, coord.Port(), 0)
	cl1 := connectTestClient(t, coord.Port(), 1)
	require.Nil(t, cl0.Shutdown())
	require.Nil(t, cl1.Shutdown())
	select {
	case <-coord.Done():
		t.Error("coordinator stopped on participant shutdown")
	case <-time.After(200 * time.Millisecond):
	}
}
