package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/registry"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (r *recorder) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, append([]byte(nil), payload...))
	return nil
}

// take returns and clears everything received so far.
func (r *recorder) take() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type client struct {
	t    *testing.T
	r    *Router
	sess *Session
	out  *recorder
}

func newTestRouter(t *testing.T) (*Router, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	return NewRouter(RouterConfig{Registry: registry.New[*Session](), Metrics: m}), m
}

func connect(t *testing.T, r *Router) *client {
	t.Helper()
	out := &recorder{}
	c := &client{t: t, r: r, out: out, sess: r.Accept(out)}
	msgs := out.take()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"type":"connect","message":"Well hello there, I am a WebSocket server"}`, string(msgs[0]))
	return c
}

func (c *client) send(raw string) {
	c.r.HandleMessage(c.sess, []byte(raw))
}

func (c *client) login(name string) string {
	c.t.Helper()
	c.send(`{"type":"login","name":` + quote(name) + `}`)
	msgs := c.out.take()
	require.Len(c.t, msgs, 1)
	return string(msgs[0])
}

func (c *client) expectNothing() {
	c.t.Helper()
	require.Empty(c.t, c.out.take())
}

func (c *client) expectOne() string {
	c.t.Helper()
	msgs := c.out.take()
	require.Len(c.t, msgs, 1)
	return string(msgs[0])
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestLoginScenario(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	imposter := connect(t, r)

	require.JSONEq(t, `{"type":"login","success":true,"users":[]}`, alice.login("alice"))

	require.JSONEq(t, `{"type":"login","success":true,"users":[{"userName":"alice"}]}`, bob.login("bob"))
	require.JSONEq(t, `{"type":"updateUsers","user":{"userName":"bob"}}`, alice.expectOne())

	require.JSONEq(t, `{"type":"login","success":false,"message":"Username is unavailable"}`, imposter.login("alice"))
	alice.expectNothing()
	bob.expectNothing()

	require.Equal(t, "alice", alice.sess.Identity())
	require.Equal(t, "", imposter.sess.Identity())
	require.Equal(t, []string{"alice", "bob"}, r.Registry().Snapshot(""))
	require.EqualValues(t, 2, m.Get(metrics.LoginSuccess))
	require.EqualValues(t, 1, m.Get(metrics.LoginRejected))
}

func TestLoginSuccessListsEarlierUsersOnly(t *testing.T) {
	r, _ := newTestRouter(t)
	names := []string{"a", "b", "c", "d"}
	for i, name := range names {
		c := connect(t, r)
		var reply struct {
			Success bool      `json:"success"`
			Users   []userRef `json:"users"`
		}
		require.NoError(t, json.Unmarshal([]byte(c.login(name)), &reply))
		require.True(t, reply.Success)
		require.Len(t, reply.Users, i)
		for j, u := range reply.Users {
			require.Equal(t, names[j], u.UserName)
		}
	}
}

func TestLoginRejections(t *testing.T) {
	r := NewRouter(RouterConfig{MaxIdentityBytes: 4})
	failure := `{"type":"login","success":false,"message":"Username is unavailable"}`

	c := connect(t, r)
	require.JSONEq(t, failure, c.login(""))
	require.JSONEq(t, failure, c.login("toolong"))
	c.send(`{"type":"login"}`)
	require.JSONEq(t, failure, c.expectOne())
	c.send(`{"type":"login","name":42}`)
	require.JSONEq(t, failure, c.expectOne())

	// A registered connection cannot take a second name.
	require.JSONEq(t, `{"type":"login","success":true,"users":[]}`, c.login("abcd"))
	require.JSONEq(t, failure, c.login("efgh"))
	require.Equal(t, "abcd", c.sess.Identity())
	require.Equal(t, 1, r.Registry().Len())
}

func TestLoginNameIsCaseSensitiveAndUnescaped(t *testing.T) {
	r, _ := newTestRouter(t)
	a := connect(t, r)
	b := connect(t, r)
	require.Contains(t, a.login("Zoë<&>"), `"success":true`)
	require.Equal(t, `{"type":"login","success":true,"users":[{"userName":"Zoë<&>"}]}`, b.login("zoë<&>"))
}

func TestRelayIsBytePreserving(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.out.take()

	offer := `{ "type": "offer",  "sdp": "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\n<&>" }`
	alice.send(`{"type":"offer","name":"bob","offer":` + offer + `}`)
	require.Equal(t, `{"type":"offer","offer":`+offer+`,"name":"alice"}`, bob.expectOne())
	alice.expectNothing()

	answer := `{"type":"answer", "sdp":"v=0"}`
	bob.send(`{"type":"answer","name":"alice","answer":` + answer + `}`)
	require.Equal(t, `{"type":"answer","answer":`+answer+`}`, alice.expectOne())

	candidate := `{"candidate":"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`
	alice.send(`{"type":"candidate","name":"bob","candidate":` + candidate + `}`)
	require.Equal(t, `{"type":"candidate","candidate":`+candidate+`}`, bob.expectOne())

	require.Equal(t, "bob", alice.sess.Peer())
	require.Equal(t, "alice", bob.sess.Peer())
	require.EqualValues(t, 1, m.Get(metrics.RelayOffer))
	require.EqualValues(t, 1, m.Get(metrics.RelayAnswer))
	require.EqualValues(t, 1, m.Get(metrics.RelayCandidate))
}

func TestRelayWithoutPayloadOmitsField(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.out.take()

	alice.send(`{"type":"offer","name":"bob"}`)
	require.Equal(t, `{"type":"offer","name":"alice"}`, bob.expectOne())
	alice.send(`{"type":"candidate","name":"bob","candidate":null}`)
	require.Equal(t, `{"type":"candidate","candidate":null}`, bob.expectOne())
}

func TestRelayToMissingTargetIsSilent(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.out.take()

	for _, msg := range []string{
		`{"type":"offer","name":"carol","offer":{"sdp":"x"}}`,
		`{"type":"answer","name":"carol","answer":{"sdp":"x"}}`,
		`{"type":"candidate","name":"carol","candidate":{}}`,
		`{"type":"leave","name":"carol"}`,
		`{"type":"offer","offer":{"sdp":"x"}}`,
	} {
		alice.send(msg)
	}
	alice.expectNothing()
	bob.expectNothing()
	require.Equal(t, "", alice.sess.Peer())
	require.EqualValues(t, 5, m.Get(metrics.RelayTargetMissing))
}

func TestOfferFromUnregisteredConnection(t *testing.T) {
	r, _ := newTestRouter(t)
	anon := connect(t, r)
	bob := connect(t, r)
	bob.login("bob")

	anon.send(`{"type":"offer","name":"bob","offer":{}}`)
	require.Equal(t, `{"type":"offer","offer":{},"name":""}`, bob.expectOne())

	// Unregistered connections stay invisible.
	require.Equal(t, []string{"bob"}, r.Registry().Snapshot(""))
	_, ok := r.Registry().Lookup("")
	require.False(t, ok)
}

func TestLeaveClearsTargetPeer(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.out.take()

	alice.send(`{"type":"offer","name":"bob","offer":{}}`)
	bob.send(`{"type":"answer","name":"alice","answer":{}}`)
	bob.out.take()
	alice.out.take()
	require.Equal(t, "alice", bob.sess.Peer())

	alice.send(`{"type":"leave","name":"bob"}`)
	require.Equal(t, `{"type":"leave"}`, bob.expectOne())
	require.Equal(t, "", bob.sess.Peer())
	alice.expectNothing()
}

func TestUnknownCommand(t *testing.T) {
	r, m := newTestRouter(t)
	c := connect(t, r)
	c.login("alice")

	cases := map[string]string{
		`{"type":"dance"}`:              "Command not found: dance",
		`{"type":""}`:                   "Command not found: ",
		`{"type":7}`:                    "Command not found: ",
		`{"name":"x"}`:                  "Command not found: ",
		`not json`:                      "Command not found: ",
		`[1,2,3]`:                       "Command not found: ",
		`{"type":"LOGIN","name":"bob"}`: "Command not found: LOGIN",
	}
	for raw, want := range cases {
		c.send(raw)
		var reply errorMessage
		require.NoError(t, json.Unmarshal([]byte(c.expectOne()), &reply), raw)
		require.Equal(t, TypeError, reply.Type)
		require.Equal(t, want, reply.Message, raw)
	}

	require.Equal(t, []string{"alice"}, r.Registry().Snapshot(""))
	require.EqualValues(t, len(cases), m.Get(metrics.UnknownCommand))
}

func TestDisconnectCascade(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	carol := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	carol.login("carol")
	alice.out.take()
	bob.out.take()

	alice.send(`{"type":"offer","name":"bob","offer":{}}`)
	bob.out.take()
	bob.sess.setPeer("alice")

	r.HandleClose(alice.sess)

	got := bob.out.take()
	require.Len(t, got, 2)
	require.JSONEq(t, `{"type":"leave"}`, string(got[0]))
	require.JSONEq(t, `{"type":"removeUser","user":{"userName":"alice"}}`, string(got[1]))
	require.Equal(t, "", bob.sess.Peer())

	require.JSONEq(t, `{"type":"removeUser","user":{"userName":"alice"}}`, carol.expectOne())
	require.Equal(t, []string{"bob", "carol"}, r.Registry().Snapshot(""))
	require.EqualValues(t, 1, m.Get(metrics.DisconnectPeerLeave))

	// Close is idempotent and a closed session ignores further input.
	r.HandleClose(alice.sess)
	alice.send(`{"type":"login","name":"again"}`)
	bob.expectNothing()
	carol.expectNothing()
	alice.expectNothing()

	// The name is free again.
	dave := connect(t, r)
	require.Contains(t, dave.login("alice"), `"success":true`)
}

func TestDisconnectWithoutPeer(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.out.take()

	r.HandleClose(bob.sess)
	require.JSONEq(t, `{"type":"removeUser","user":{"userName":"bob"}}`, alice.expectOne())
}

func TestDisconnectOfPeerThatAlreadyLeft(t *testing.T) {
	r, _ := newTestRouter(t)
	alice := connect(t, r)
	bob := connect(t, r)
	alice.login("alice")
	bob.login("bob")
	alice.send(`{"type":"offer","name":"bob","offer":{}}`)

	r.HandleClose(bob.sess)
	alice.out.take()

	r.HandleClose(alice.sess)
	require.Equal(t, 0, r.Registry().Len())
}

func TestUnregisteredDisconnectIsSilent(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	alice.login("alice")
	anon := connect(t, r)

	r.HandleClose(anon.sess)
	alice.expectNothing()
	require.EqualValues(t, 1, m.Get(metrics.ConnectionsClosed))
}

func TestDeliveryFailureDoesNotStopBroadcast(t *testing.T) {
	r, m := newTestRouter(t)
	alice := connect(t, r)
	broken := connect(t, r)
	carol := connect(t, r)
	alice.login("alice")
	broken.login("broken")
	carol.login("carol")
	alice.out.take()
	broken.out.take()

	broken.out.mu.Lock()
	broken.out.err = ErrSendQueueFull
	broken.out.mu.Unlock()

	dave := connect(t, r)
	require.Contains(t, dave.login("dave"), `"success":true`)
	require.JSONEq(t, `{"type":"updateUsers","user":{"userName":"dave"}}`, alice.expectOne())
	require.JSONEq(t, `{"type":"updateUsers","user":{"userName":"dave"}}`, carol.expectOne())
	require.EqualValues(t, 1, m.Get(metrics.DeliveryFailed))

	// Failed direct delivery is not an error for the sender either.
	alice.send(`{"type":"offer","name":"broken","offer":{}}`)
	alice.expectNothing()
	require.EqualValues(t, 2, m.Get(metrics.DeliveryFailed))
}

func TestConcurrentLoginsSameName(t *testing.T) {
	r, _ := newTestRouter(t)

	const n = 32
	clients := make([]*client, n)
	for i := range clients {
		clients[i] = connect(t, r)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.send(`{"type":"login","name":"alice"}`)
		}(c)
	}
	wg.Wait()

	wins := 0
	for _, c := range clients {
		for _, msg := range c.out.take() {
			if strings.Contains(string(msg), `"success":true`) {
				wins++
			}
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, r.Registry().Len())
}

func TestSessionSendErrorSurfaces(t *testing.T) {
	out := &recorder{err: errors.New("boom")}
	s := newSession(out)
	require.Error(t, s.Send([]byte("x")))
	require.NotEmpty(t, s.ID())
}

// gatedRecorder holds its first delivery until release is closed.
type gatedRecorder struct {
	recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRecorder) Send(payload []byte) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.recorder.Send(payload)
}

func TestLoginReplyPrecedesLaterMembershipEvents(t *testing.T) {
	r, _ := newTestRouter(t)
	carol := connect(t, r)
	carol.login("carol")

	out := &gatedRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	alice := r.Accept(&recorder{})
	alice.out = out

	loginDone := make(chan struct{})
	go func() {
		defer close(loginDone)
		r.HandleMessage(alice, []byte(`{"type":"login","name":"alice"}`))
	}()
	<-out.entered

	closeDone := make(chan struct{})
	go func() {
		defer close(closeDone)
		r.HandleClose(carol.sess)
	}()

	select {
	case <-closeDone:
		t.Fatalf("disconnect completed while alice's login reply was still pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(out.release)
	<-loginDone
	<-closeDone

	got := out.take()
	require.Len(t, got, 2)
	require.JSONEq(t, `{"type":"login","success":true,"users":[{"userName":"carol"}]}`, string(got[0]))
	require.JSONEq(t, `{"type":"removeUser","user":{"userName":"carol"}}`, string(got[1]))
	require.Equal(t, []string{"alice"}, r.Registry().Snapshot(""))
}

func TestMaxBytesRuleCountsEncodedBytes(t *testing.T) {
	var v *validator.Validate
	require.NotPanics(t, func() { v = newValidator() })

	require.NoError(t, v.Var("ab", "required,maxbytes=2"))
	require.Error(t, v.Var("abc", "required,maxbytes=2"))
	// Two runes, four bytes.
	require.Error(t, v.Var("éé", "required,maxbytes=3"))
	require.Error(t, v.Var("", "required,maxbytes=3"))
}
