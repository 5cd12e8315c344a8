package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	manager := NewPeerManager()

	session := testSession(t, time.Now().Add(time.Hour), "example.com")
	peer := NewPeer(session, 0)
	startPeer(t, peer, session)
	manager.Register(peer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go RunHealth(ctx, addr, manager)

	var reply healthReply
	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&reply) == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.Equal(t, "ok", reply.Status)
	require.Equal(t, 1, reply.Connections)
}
