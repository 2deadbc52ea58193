package pioneeravr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAVR is a minimal stand-in for a receiver: it replies to a fixed set
// of canned frames and records every frame it receives, so a test can
// assert on what the facade actually put on the wire.
type fakeAVR struct {
	t         *testing.T
	listener  net.Listener
	responses map[string]string
	dynamic   map[string]func(callCount int) string

	mu       sync.Mutex
	received []string
	calls    map[string]int
}

func newFakeAVR(t *testing.T, responses map[string]string) *fakeAVR {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeAVR{t: t, listener: ln, responses: responses, calls: map[string]int{}}
	go f.serve()
	return f
}

// newFakeAVRWithDynamic is newFakeAVR, plus a table of per-frame response
// generators consulted before the static responses map, each handed how
// many times that frame has been seen so far (0-based) — used to simulate
// a tuner stepping toward a target one frame at a time.
func newFakeAVRWithDynamic(t *testing.T, dynamic map[string]func(callCount int) string) *fakeAVR {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeAVR{t: t, listener: ln, responses: map[string]string{}, dynamic: dynamic, calls: map[string]int{}}
	go f.serve()
	return f
}

func (f *fakeAVR) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeAVR) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			f.mu.Lock()
			f.received = append(f.received, line)
			resp := f.responses[line]
			if gen, ok := f.dynamic[line]; ok {
				resp = gen(f.calls[line])
				f.calls[line]++
			}
			f.mu.Unlock()
			if resp != "" {
				conn.Write([]byte(resp + "\r\n"))
			}
		}
		if err != nil {
			return
		}
	}
}

func (f *fakeAVR) Received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeAVR) Addr() (string, int) {
	addr := f.listener.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func (f *fakeAVR) Close() {
	f.listener.Close()
}

func waitForState(t *testing.T, sess *Session, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session did not reach state %s within %s (last state %s)", want, timeout, sess.State())
}

func TestSessionPowerOnSendsWireFrameAndUpdatesCache(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"PO": "PWR0"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.PowerOn(opCtx, ZoneMain))

	assert.Contains(t, server.Received(), "PO")
	assert.True(t, sess.Snapshot(ZoneMain).Power)
}

func TestSessionSetVolumeRejectsAboveEffectiveMax(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"185VL": "VOL185"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	err := sess.SetVolume(opCtx, ZoneMain, 999)
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, server.Received())
}

func TestSessionSetVolumeRejectsNegative(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"000VL": "VOL000"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	err := sess.SetVolume(opCtx, ZoneMain, -5)
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, server.Received())
}

func TestSessionSetVolumeAcceptsInRangeLevel(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"100VL": "VOL100"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SetVolume(opCtx, ZoneMain, 100))
	assert.Contains(t, server.Received(), "100VL")
	assert.Equal(t, 100, sess.Snapshot(ZoneMain).Volume)
}

func TestSessionSetVolumeIgnoreVolumeCheckBypassesValidation(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"999VL": "VOL185"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	sess.Params().SetUserParams(map[ParamKey]any{ParamIgnoreVolumeCheck: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SetVolume(opCtx, ZoneMain, 999))
	assert.Contains(t, server.Received(), "999VL")
}

func TestSessionSetVolumeStepOnlyExpandsIntoSteps(t *testing.T) {
	responses := map[string]string{}
	for _, frame := range []string{"VU", "VD"} {
		responses[frame] = "VOL100"
	}
	server := newFakeAVR(t, responses)
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	sess.Params().SetUserParams(map[ParamKey]any{ParamVolumeStepOnly: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SetVolume(opCtx, ZoneMain, 3))

	received := server.Received()
	count := 0
	for _, f := range received {
		if f == "VU" {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestSessionPowerOnVolumeBounceChainsUpThenDown(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"PO": "PWR0", "VU": "VOL100", "VD": "VOL099"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	sess.Params().SetUserParams(map[ParamKey]any{ParamPowerOnVolumeBounce: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.PowerOn(opCtx, ZoneMain))

	require.Eventually(t, func() bool {
		received := server.Received()
		return len(received) >= 3 && received[len(received)-2] == "VU" && received[len(received)-1] == "VD"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSetSourceByNameAmbiguousNeverTouchesWire(t *testing.T) {
	server := newFakeAVR(t, map[string]string{})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	sess.Properties().SetSourceDictEntry(19, "HDMI")
	sess.Properties().SetSourceDictEntry(20, "HDMI")

	err := sess.SetSourceByName(ctx, ZoneMain, "HDMI")
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, server.Received())
}

func TestSessionSetSourceByNameUnknown(t *testing.T) {
	server := newFakeAVR(t, map[string]string{})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	err := sess.SetSourceByName(ctx, ZoneMain, "NOPE")
	assert.Error(t, err)
}

func TestSessionSetSourceByNameResolvesUniqueMatch(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"04FN": "FN04"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	sess.Properties().SetSourceDictEntry(4, "DVD")

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SetSourceByName(opCtx, ZoneMain, "DVD"))
	assert.Contains(t, server.Received(), "04FN")
}

func TestSessionUnavailableWhileDisconnected(t *testing.T) {
	sess := NewSession("127.0.0.1", 1) // nothing listening
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()

	time.Sleep(50 * time.Millisecond)
	opCtx, cancelOp := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelOp()
	err := sess.PowerOn(opCtx, ZoneMain)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSessionDoUserCollapsesDuplicateCalls(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"PO": "PWR0"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_ = sess.PowerOn(opCtx, ZoneMain)
		}()
	}
	wg.Wait()

	count := 0
	for _, f := range server.Received() {
		if f == "PO" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestSessionSelectListeningModeByName(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"0050SR": "SR0050"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SelectListeningMode(opCtx, "THX", ""))
	assert.Contains(t, server.Received(), "0050SR")
}

func TestSessionSelectListeningModeRejectsBothNameAndID(t *testing.T) {
	server := newFakeAVR(t, map[string]string{})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	err := sess.SelectListeningMode(ctx, "THX", "0050")
	require.Error(t, err)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSessionSetTunerFrequencyDirectEntry(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"08750TFAN": "FR008750"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	require.NoError(t, sess.SetTunerFrequency(opCtx, TunerBandFM, 87.50))
	assert.Contains(t, server.Received(), "08750TFAN")
}

func TestSessionSetTunerFrequencyStepsWhenDirectEntryDisabled(t *testing.T) {
	dynamic := map[string]func(int) string{
		"TFI": func(n int) string { return fmt.Sprintf("FR%06d", 8750+10*(n+1)) },
	}
	server := newFakeAVRWithDynamic(t, dynamic)
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	sess.Params().SetUserParams(map[ParamKey]any{ParamTunerDirectEntry: false})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	sess.Properties().SetTopic("tuner", map[string]any{"frequency_raw": 8750})

	opCtx, cancelOp := context.WithTimeout(ctx, 30*time.Second)
	defer cancelOp()
	err := sess.SetTunerFrequency(opCtx, TunerBandFM, 90.10)
	require.NoError(t, err)

	count := 0
	for _, f := range server.Received() {
		if f == "TFI" {
			count++
		}
	}
	assert.GreaterOrEqual(t, count, 26)
	assert.Less(t, count, 40)
}

func TestSessionBuildSourceDictSeedsDefaultsAndQueries(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"?RGB": "RGB25BD"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	dict, err := sess.BuildSourceDict(opCtx)
	require.NoError(t, err)
	assert.Equal(t, "DVD", dict[4])
	assert.Contains(t, server.Received(), "?RGB")
}

func TestSessionGetSourceListHonorsZoneRestriction(t *testing.T) {
	server := newFakeAVR(t, map[string]string{})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	sess.Params().SetUserParams(map[ParamKey]any{ParamZoneNSources: map[Zone][]int{ZoneZ2: {4, 5}}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	sess.Properties().SetSourceDictEntry(1, "CD")
	sess.Properties().SetSourceDictEntry(4, "DVD")
	sess.Properties().SetSourceDictEntry(5, "TV")

	assert.ElementsMatch(t, []int{4, 5}, sess.GetSourceList(ZoneZ2))
	wantMain := make([]int, 0, len(DefaultSourceNames))
	for id := range DefaultSourceNames {
		wantMain = append(wantMain, id)
	}
	assert.ElementsMatch(t, wantMain, sess.GetSourceList(ZoneMain))
}

func TestSessionRefreshWaitsForAllZoneQueries(t *testing.T) {
	server := newFakeAVR(t, map[string]string{
		"?P": "PWR0", "?V": "VOL050", "?M": "MUT0", "?F": "FN04",
	})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	require.NoError(t, sess.Refresh([]Zone{ZoneMain}, true))

	received := server.Received()
	for _, frame := range []string{"?P", "?V", "?M", "?F"} {
		assert.Contains(t, received, frame)
	}
}

func TestSessionSendRawCommandAndRequest(t *testing.T) {
	server := newFakeAVR(t, map[string]string{"?MDL": "MDLVSX-1120"})
	defer server.Close()
	host, port := server.Addr()

	sess := NewSession(host, port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	defer sess.Stop()
	waitForState(t, sess, StateReady, 2*time.Second)

	opCtx, cancelOp := context.WithTimeout(ctx, 2*time.Second)
	defer cancelOp()
	line, err := sess.SendRawRequest(opCtx, "?MDL", "MDL")
	require.NoError(t, err)
	assert.Equal(t, "MDLVSX-1120", line)
	assert.Contains(t, server.Received(), "?MDL")
}
