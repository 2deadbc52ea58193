package pioneeravr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResponder() (*Responder, *Connection) {
	registry := NewDefaultCodeRegistry()
	conn := NewConnection("127.0.0.1", 1)
	props := NewProperties()
	params := NewParams()
	return NewResponder(conn, registry, props, params), conn
}

func TestResponderAwaitMatchesExpectedPrefix(t *testing.T) {
	resp, conn := newTestResponder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	resultCh := make(chan struct {
		line string
		err  error
	}, 1)
	go func() {
		line, err := resp.Await(context.Background(), "PWR")
		resultCh <- struct {
			line string
			err  error
		}{line, err}
	}()

	time.Sleep(10 * time.Millisecond) // let Await register before the line arrives
	conn.lines <- "PWR0"

	select {
	case r := <-resultCh:
		require.NoError(t, r.err)
		assert.Equal(t, "PWR0", r.line)
	case <-time.After(time.Second):
		t.Fatal("Await did not return in time")
	}
}

func TestResponderAwaitEmptyPrefixReturnsImmediately(t *testing.T) {
	resp, _ := newTestResponder()
	line, err := resp.Await(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "", line)
}

func TestResponderFIFOOrderOldestWaiterWinsFirst(t *testing.T) {
	resp, conn := newTestResponder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	first := make(chan string, 1)
	second := make(chan string, 1)

	go func() {
		line, _ := resp.Await(context.Background(), "VOL")
		first <- line
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		line, _ := resp.Await(context.Background(), "VOL")
		second <- line
	}()
	time.Sleep(10 * time.Millisecond)

	conn.lines <- "VOL080"
	conn.lines <- "VOL081"

	select {
	case line := <-first:
		assert.Equal(t, "VOL080", line)
	case <-time.After(time.Second):
		t.Fatal("first waiter did not resolve")
	}
	select {
	case line := <-second:
		assert.Equal(t, "VOL081", line)
	case <-time.After(time.Second):
		t.Fatal("second waiter did not resolve")
	}
}

func TestResponderAvrErrorFailsPendingWaiter(t *testing.T) {
	resp, conn := newTestResponder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	resultErr := make(chan error, 1)
	go func() {
		_, err := resp.Await(context.Background(), "PWR")
		resultErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	conn.lines <- "E02"

	select {
	case err := <-resultErr:
		var avrErr *AvrError
		require.ErrorAs(t, err, &avrErr)
		assert.Equal(t, "E02", avrErr.Code)
	case <-time.After(time.Second):
		t.Fatal("waiter was not failed by AVR error")
	}
}

func TestResponderOnAvrErrorListenerFiresWithoutPendingWaiter(t *testing.T) {
	resp, conn := newTestResponder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	got := make(chan *AvrError, 1)
	resp.OnAvrError(func(e *AvrError) { got <- e })

	conn.lines <- "E05"

	select {
	case e := <-got:
		assert.Equal(t, "E05", e.Code)
	case <-time.After(time.Second):
		t.Fatal("AVR error listener did not fire")
	}
}

func TestResponderUnsolicitedFrameUpdatesPropertiesWithoutWaiter(t *testing.T) {
	registry := NewDefaultCodeRegistry()
	conn := NewConnection("127.0.0.1", 1)
	props := NewProperties()
	params := NewParams()
	resp := NewResponder(conn, registry, props, params)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go resp.Run(ctx)

	conn.lines <- "Z2PWR0"
	time.Sleep(20 * time.Millisecond)

	assert.True(t, props.Snapshot(ZoneZ2).Power)
}
