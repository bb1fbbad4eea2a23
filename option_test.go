package dispatch

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestLoggerOption(t *testing.T) {
	logger := &recordLogger{}
	opt := LoggerOption(logger)

	var opts options
	opt(&opts)

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestMetricsOption(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")
	opt := MetricsOption(m)

	var opts options
	opt(&opts)

	if opts.metrics != m {
		t.Error("metrics not set correctly")
	}
}

func TestMaxPayloadSizeOption(t *testing.T) {
	opt := MaxPayloadSizeOption(4096)

	var opts options
	opt(&opts)

	if opts.maxPayloadSize != 4096 {
		t.Errorf("maxPayloadSize = %d, want 4096", opts.maxPayloadSize)
	}
}

func TestHeartbeatOption(t *testing.T) {
	heartbeat := time.Minute * 5
	opt := HeartbeatOption(heartbeat)

	var opts options
	opt(&opts)

	if opts.heartbeat != heartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, heartbeat)
	}
}

func TestOnHandlerErrorOption(t *testing.T) {
	var gotID HandlerID
	opt := OnHandlerErrorOption(func(id HandlerID, err error) ErrorAction {
		gotID = id
		return Disconnect
	})

	var opts options
	opt(&opts)

	if opts.onHandlerError == nil {
		t.Fatal("onHandlerError is nil")
	}
	if action := opts.onHandlerError(9, errors.New("boom")); action != Disconnect {
		t.Errorf("action = %v, want Disconnect", action)
	}
	if gotID != 9 {
		t.Errorf("handler id = %d, want 9", gotID)
	}
}

type countingDialer struct {
	calls int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls++
	return nil, errors.New("dial refused")
}

func TestDialerOption(t *testing.T) {
	dialer := &countingDialer{}
	opt := DialerOption(dialer)

	var opts options
	opt(&opts)

	if opts.dialer != dialer {
		t.Error("dialer not set correctly")
	}
}

func TestListenOption(t *testing.T) {
	called := false
	opt := ListenOption(func(ctx context.Context, network, address string) (net.Listener, error) {
		called = true
		return nil, errors.New("no listener")
	})

	var opts options
	opt(&opts)

	if opts.listen == nil {
		t.Fatal("listen is nil")
	}
	opts.listen(context.Background(), "tcp", "127.0.0.1:0")
	if !called {
		t.Error("listen func not called")
	}
}

func TestOnConnectOption(t *testing.T) {
	var got int
	opt := OnConnectOption(func(clientID int) {
		got = clientID
	})

	var opts options
	opt(&opts)

	opts.onConnect(5)
	if got != 5 {
		t.Errorf("client id = %d, want 5", got)
	}
}

func TestOnDisconnectOption(t *testing.T) {
	var got error
	opt := OnDisconnectOption(func(clientID int, reason error) {
		got = reason
	})

	var opts options
	opt(&opts)

	opts.onDisconnect(5, ErrConnectionClosed)
	if got != ErrConnectionClosed {
		t.Errorf("reason = %v, want ErrConnectionClosed", got)
	}
}

func TestCheckOptions_Defaults(t *testing.T) {
	var opts options
	checkOptions(&opts)

	if opts.logger == nil {
		t.Error("logger should have default value")
	}
	if opts.metrics != nil {
		t.Error("metrics should be disabled by default")
	}
	if opts.maxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("maxPayloadSize = %d, want %d", opts.maxPayloadSize, DefaultMaxPayloadSize)
	}
	if opts.heartbeat != 0 {
		t.Errorf("heartbeat = %v, want disabled", opts.heartbeat)
	}
	if opts.onHandlerError == nil {
		t.Fatal("onHandlerError should have default value")
	}
	if action := opts.onHandlerError(1, errors.New("boom")); action != Continue {
		t.Errorf("default action = %v, want Continue", action)
	}
	if opts.dialer == nil {
		t.Error("dialer should have default value")
	}
	if opts.listen == nil {
		t.Error("listen should have default value")
	}
}

func TestCheckOptions_InvalidValues(t *testing.T) {
	opts := options{
		maxPayloadSize: -1,
		heartbeat:      -time.Second,
	}
	checkOptions(&opts)

	if opts.maxPayloadSize != DefaultMaxPayloadSize {
		t.Errorf("maxPayloadSize = %d, want %d", opts.maxPayloadSize, DefaultMaxPayloadSize)
	}
	if opts.heartbeat != 0 {
		t.Errorf("heartbeat = %v, want 0", opts.heartbeat)
	}
}

func TestCheckOptions_CustomValues(t *testing.T) {
	logger := &recordLogger{}
	dialer := &countingDialer{}
	opts := newOptions([]Option{
		LoggerOption(logger),
		MaxPayloadSizeOption(128),
		HeartbeatOption(time.Second),
		DialerOption(dialer),
	})

	if opts.logger != logger {
		t.Error("logger was overwritten")
	}
	if opts.maxPayloadSize != 128 {
		t.Errorf("maxPayloadSize = %d, want 128", opts.maxPayloadSize)
	}
	if opts.heartbeat != time.Second {
		t.Errorf("heartbeat = %v, want 1s", opts.heartbeat)
	}
	if opts.dialer != dialer {
		t.Error("dialer was overwritten")
	}
}

func TestDefaultListen(t *testing.T) {
	opts := newOptions(nil)

	listener, err := opts.listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("default listen failed: %v", err)
	}
	defer listener.Close()

	if listener.Addr() == nil {
		t.Error("listener has no address")
	}
}
