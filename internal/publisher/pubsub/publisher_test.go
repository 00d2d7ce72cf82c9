package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSON(t *testing.T) {
	ctx := context.Background()
	client, srv := newFakeClient(t)
	_, err := client.CreateTopic(ctx, "scrape-runs")
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "scrape-runs", map[string]any{"id": "run-1", "status": "completed"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, "run-1", got["id"])
	assert.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	require.NoError(t, pub.Close())
}

func TestPublishUnknownTopicFails(t *testing.T) {
	client, _ := newFakeClient(t)
	pub := New(client)
	t.Cleanup(func() { _ = pub.Close() })

	_, err := pub.Publish(context.Background(), "missing", "x")
	assert.Error(t, err)
}

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "runs", "x")
	assert.Error(t, err)
}
