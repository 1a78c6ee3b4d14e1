package apiframe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoTarget replies with its method name and argument count.
type echoTarget struct{}

func (echoTarget) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	return map[string]interface{}{"method": method, "argc": len(args)}, nil
}

func startPair(t *testing.T, secrets KeySource, provider TargetProvider) (*ClientConn, *Connection) {
	t.Helper()
	codec := StdCodec()
	clientEnd, serverEnd := NewPipe()

	conn := NewConnection(serverEnd, codec, secrets, provider, nil)
	go conn.Run(context.Background())

	client := NewClientConn(codec, nil)
	require.NoError(t, client.Open(clientEnd))
	t.Cleanup(func() { client.Close() })
	return client, conn
}

func TestMetaPingAndConnectionID(t *testing.T) {
	client, conn := startPair(t, StaticKeySource{}, nil)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	id, err := client.ConnectionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, conn.ID(), id)
}

func TestUnknownTargetFails(t *testing.T) {
	client, _ := startPair(t, StaticKeySource{}, nil)

	_, err := client.Call(context.Background(), "nope", "anything")
	assert.True(t, IsRemote(err, "unknownTarget"), "got %v", err)
}

func TestChallengeResponseAuth(t *testing.T) {
	secret := []byte("shared-secret")
	provider := TargetProviderFunc(func(ctx context.Context, targetID string) (Target, error) {
		return echoTarget{}, nil
	})
	client, _ := startPair(t, StaticKeySource{"doc1": secret}, provider)
	ctx := context.Background()

	// Before auth, the target is not reachable.
	_, err := client.Call(ctx, "doc1", "hello")
	assert.True(t, IsRemote(err, "unknownTarget"))

	require.NoError(t, client.Authorize(ctx, "doc1", secret))

	result, err := client.Call(ctx, "doc1", "hello", 1, 2)
	require.NoError(t, err)
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", m["method"])
	assert.Equal(t, float64(2), m["argc"])
}

func TestAuthRejectsBadResponse(t *testing.T) {
	secret := []byte("shared-secret")
	client, _ := startPair(t, StaticKeySource{"doc1": secret}, nil)
	ctx := context.Background()

	challengeRaw, err := client.Call(ctx, "meta", "makeChallenge", "doc1")
	require.NoError(t, err)
	challenge := challengeRaw.(string)
	assert.GreaterOrEqual(t, len(challenge), 16)

	_, err = client.Call(ctx, "meta", "authWithChallengeResponse", challenge, "wrong")
	assert.True(t, IsRemote(err, "authFailed"), "got %v", err)

	// Challenges are consumed on first use, right or wrong.
	_, err = client.Call(ctx, "meta", "authWithChallengeResponse", challenge,
		ChallengeResponse(secret, challenge))
	assert.True(t, IsRemote(err, "authFailed"))
}

func TestAuthUnknownTargetChallenge(t *testing.T) {
	client, _ := startPair(t, StaticKeySource{}, nil)

	_, err := client.Call(context.Background(), "meta", "makeChallenge", "ghost")
	assert.True(t, IsRemote(err, "unknownTarget"))
}

func TestQueueBeforeOpenFlushesInOrder(t *testing.T) {
	codec := StdCodec()
	clientEnd, serverEnd := NewPipe()
	conn := NewConnection(serverEnd, codec, StaticKeySource{}, nil, nil)
	go conn.Run(context.Background())

	client := NewClientConn(codec, nil)
	defer client.Close()

	type outcome struct {
		err error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			err := client.Ping(context.Background())
			results <- outcome{err: err}
		}()
	}
	// Give the calls time to enqueue before the transport opens.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Open(clientEnd))

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.NoError(t, r.err)
		case <-time.After(2 * time.Second):
			t.Fatal("queued call never resolved")
		}
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	client, _ := startPair(t, StaticKeySource{}, nil)
	require.NoError(t, client.Close())

	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestServerDisconnectFailsPendingCalls(t *testing.T) {
	codec := StdCodec()
	clientEnd, serverEnd := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnection(serverEnd, codec, StaticKeySource{}, nil, nil)
	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	client := NewClientConn(codec, nil)
	require.NoError(t, client.Open(clientEnd))
	defer client.Close()

	cancel()
	<-done

	err := client.Ping(context.Background())
	assert.Error(t, err)
}

func TestOnCloseHooksRun(t *testing.T) {
	codec := StdCodec()
	_, serverEnd := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConnection(serverEnd, codec, StaticKeySource{}, nil, nil)

	ran := make(chan struct{})
	conn.OnClose(func() { close(ran) })

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("close hook did not run")
	}
}

func TestUnderscoreMethodsBlocked(t *testing.T) {
	target := NewMethodMap(map[string]MethodFunc{
		"visible": func(ctx context.Context, args []interface{}) (interface{}, error) {
			return true, nil
		},
	})
	_, err := target.Call(context.Background(), "_hidden", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
	_, err = target.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)

	result, err := target.Call(context.Background(), "visible", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}
