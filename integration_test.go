package prefork_test

import (
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	prefork "github.com/axondata/go-prefork"
	"github.com/axondata/go-prefork/worker"
)

// TestMain lets the compiled test binary double as the re-exec'd worker
// process a Supervisor spawns: Supervisor.spawn re-runs os.Args[0] with
// the PREFORK_WORKER marker set, so the test binary itself must be able
// to take the worker branch instead of running go test's harness. This
// mirrors how main() is expected to check prefork.IsWorker() before
// doing anything else.
func TestMain(m *testing.M) {
	if prefork.IsWorker() {
		sup, err := buildIntegrationSupervisor()
		if err != nil {
			fmt.Fprintln(os.Stderr, "integration worker: build supervisor:", err)
			os.Exit(1)
		}
		_ = sup.Start(echoHandler)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// buildIntegrationSupervisor is called identically by the parent test
// process and by the re-exec'd worker process, since both reach it
// through the same os.Args[0] invocation. The worker branch of Start
// never uses the bound address, so port 0 is safe in both processes.
func buildIntegrationSupervisor() (*prefork.Supervisor, error) {
	return prefork.NewFromPort(0,
		prefork.WithMinProcesses(1),
		prefork.WithMaxProcesses(1),
		prefork.WithMaxThreads(4),
		prefork.WithStandbyThreads(0),
	)
}

func echoHandler(conn net.Conn, addr net.Addr, h worker.Handle) {
	defer conn.Close()
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	_, _ = conn.Write(buf[:n])
}

func TestIntegrationSpawnAndEcho(t *testing.T) {
	if prefork.IsWorker() {
		t.Skip("this process is a re-exec'd worker, not the test driver")
	}
	if testing.Short() {
		t.Skip("skipping process-spawning test in -short mode")
	}

	sup, err := buildIntegrationSupervisor()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = sup.Start(echoHandler)
		close(done)
	}()
	defer func() {
		sup.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop within 5s")
		}
	}()

	addr := sup.Addr()
	require.NotNil(t, addr, "supervisor should have bound a listener immediately")

	require.Eventually(t, func() bool {
		return len(sup.Snapshot()) >= 1
	}, 3*time.Second, 20*time.Millisecond, "expected at least one worker to spawn")

	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestIntegrationPopulationReachesMinProcesses(t *testing.T) {
	if prefork.IsWorker() {
		t.Skip("this process is a re-exec'd worker, not the test driver")
	}
	if testing.Short() {
		t.Skip("skipping process-spawning test in -short mode")
	}

	sup, err := prefork.NewFromPort(0,
		prefork.WithMinProcesses(3),
		prefork.WithMaxProcesses(3),
		prefork.WithStandbyThreads(0),
	)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = sup.Start(echoHandler)
		close(done)
	}()
	defer func() {
		sup.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("supervisor did not stop within 5s")
		}
	}()

	require.Eventually(t, func() bool {
		return len(sup.Snapshot()) == 3
	}, 5*time.Second, 50*time.Millisecond, "expected exactly min_processes workers")
}
