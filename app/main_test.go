package main

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrationMain(t *testing.T) {

	dir := t.TempDir()
	port := 40000 + int(rand.Int31n(10000)) //nolint:gosec // used in test only
	os.Args = []string{"test",
		"--listen=*", "--port=" + strconv.Itoa(port),
		"--hostname=localhost", "--auth.sign-secret=super-secret",
		"--debug", "--logger.enabled", "--logger.stdout", "--logger.file=" + dir + "/registry.log",
		"--ssl.type=none", "--store.type=embed", "--store.embed.path=" + dir + "/test.db",
		"--storage.root=" + dir + "/blobs", "--storage.location=local_us",
	}

	done := make(chan struct{})
	go func() {
		<-done
		e := syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
		require.NoError(t, e)
	}()

	finished := make(chan struct{})
	go func() {
		main()
		close(finished)
	}()

	// defer cleanup because require check below can fail
	defer func() {
		close(done)
		<-finished
	}()

	waitForHTTPServerStart(port)
	time.Sleep(time.Second)
	{
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/ping", port))
		require.NoError(t, err)
		defer func() { assert.NoError(t, resp.Body.Close()) }()
		assert.Equal(t, 200, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		assert.NoError(t, err)
		assert.Equal(t, "pong", string(body))
	}

	{
		// distribution version check
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/v2/", port))
		require.NoError(t, err)
		defer func() { assert.NoError(t, resp.Body.Close()) }()
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "registry/2.0", resp.Header.Get("Docker-Distribution-API-Version"))
	}

	{
		// metrics endpoint exposes the queue gauges
		resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
		require.NoError(t, err)
		defer func() { assert.NoError(t, resp.Body.Close()) }()
		assert.Equal(t, 200, resp.StatusCode)
	}
}

func waitForHTTPServerStart(port int) {
	// wait for up to 10 seconds for server to start before returning it
	client := http.Client{Timeout: time.Second}
	for i := 0; i < 100; i++ {
		time.Sleep(time.Millisecond * 100)
		if resp, err := client.Get(fmt.Sprintf("http://localhost:%d/ping", port)); err == nil {
			_ = resp.Body.Close()
			return
		}
	}
}
