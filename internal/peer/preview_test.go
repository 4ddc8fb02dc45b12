package peer

import (
	"context"
	"image/jpeg"
	"net/http"
	"testing"
	"time"

	"deskrelay/internal/app/apptest"
	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/codec"
	"deskrelay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreviewPublisher_Publish(t *testing.T) {
	srv := apptest.Start(t)
	dir := directory.New(srv.URL(), 2*time.Second)
	ctx := context.Background()

	reg, err := dir.Register(ctx, directory.RegisterRequest{Code: "PRV123", Endpoint: "10.0.0.2:5000"})
	require.NoError(t, err)

	pub := NewPreviewPublisher(dir, codec.NewPatternCapturer(32, 24), reg.Code, reg.HostToken, 40, time.Hour, nil)
	require.NoError(t, pub.Publish(ctx))

	resp, err := http.Get(srv.URL() + "/session/PRV123/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	img, err := jpeg.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestPreviewPublisher_OversizedStopsRun(t *testing.T) {
	srv := apptest.Start(t, func(cfg *config.Config) {
		cfg.Snapshot.MaxSizeBytes = 16
	})
	dir := directory.New(srv.URL(), 2*time.Second)
	ctx := context.Background()

	reg, err := dir.Register(ctx, directory.RegisterRequest{Code: "BIG123", Endpoint: "10.0.0.2:5000"})
	require.NoError(t, err)

	pub := NewPreviewPublisher(dir, codec.NewPatternCapturer(64, 64), reg.Code, reg.HostToken, 90, 5*time.Millisecond, nil)
	assert.True(t, domain.IsInvalidArgument(pub.Publish(ctx)))

	done := make(chan struct{})
	go func() {
		pub.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher kept retrying an oversized preview")
	}
}
