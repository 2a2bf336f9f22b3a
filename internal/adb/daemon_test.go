package adb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseConnectOutput(t *testing.T) {
	assert.NoError(t, parseConnectOutput("127.0.0.1:62001", "connected to 127.0.0.1:62001\n"))
	assert.NoError(t, parseConnectOutput("192.168.1.20:5555", "already connected to 192.168.1.20:5555"))
	assert.Error(t, parseConnectOutput("192.168.1.20:5555", "failed to connect to '192.168.1.20:5555': Connection refused"))
	assert.Error(t, parseConnectOutput("10.0.0.1:5555", ""))
}

func TestCommandDaemon_RequiresArguments(t *testing.T) {
	daemon := NewCommandDaemon("")
	assert.Equal(t, "adb", daemon.adbPath)

	assert.Error(t, daemon.Connect(context.Background(), ""))
	assert.Error(t, daemon.TCPIP(context.Background(), "", 5555))
}
