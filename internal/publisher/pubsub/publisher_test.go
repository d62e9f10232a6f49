package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	pub := NewWithClient(client)
	t.Cleanup(func() { pub.Close() })
	return pub, srv
}

func TestPublishDeliversJSONPayload(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)
	_, err := pub.client.CreateTopic(context.Background(), "crawl-done")
	require.NoError(t, err)

	id, err := pub.Publish(context.Background(), "crawl-done", map[string]any{"pages": 3, "files": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"pages": 3, "files": 1}`, string(msgs[0].Data))
}

func TestPublishFailsOnMissingTopic(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "never-created", "payload")
	require.ErrorContains(t, err, "publish message")
}

func TestPublishRequiresTopic(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)
	_, err := pub.Publish(context.Background(), "", "payload")
	require.ErrorContains(t, err, "topic is required")
}

func TestNewRequiresProjectID(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), "")
	require.ErrorContains(t, err, "project id is required")
}
