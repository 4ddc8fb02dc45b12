package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/internal/infrastructure/codec"
	"deskrelay/internal/infrastructure/streaming"
	"deskrelay/internal/peer"
	"deskrelay/pkg/utils"

	"github.com/spf13/cobra"
)

var viewOpts struct {
	password string
	relay    bool
	name     string
	out      string
}

var viewCmd = &cobra.Command{
	Use:   "view CODE",
	Short: "Ask to watch a session and display its frames",
	Args:  cobra.ExactArgs(1),
	RunE:  runView,
}

func init() {
	f := viewCmd.Flags()
	f.StringVar(&viewOpts.password, "password", "", "session password")
	f.BoolVar(&viewOpts.relay, "relay", false, "join through the event relay")
	f.StringVar(&viewOpts.name, "name", "", "name shown to the host")
	f.StringVar(&viewOpts.out, "out", "", "write the latest frame to this JPEG file")
}

// viewer is the part of DirectViewer and RelayViewer the command drives.
type viewer interface {
	Join(ctx context.Context, code domain.SessionCode, passwordHash, viewerName string) error
	Watch(ctx context.Context) error
}

func runView(cmd *cobra.Command, args []string) error {
	code := domain.SessionCode(args[0]).Normalize()
	s := settings()

	var hash string
	if viewOpts.password != "" {
		hash = utils.HashPassword(viewOpts.password)
	}

	var sink interface {
		ports.Sink
		Shown() int64
	}
	if viewOpts.out != "" {
		sink = codec.NewFileSink(viewOpts.out)
	} else {
		sink = &codec.DiscardSink{}
	}
	media := peer.Media{Decoder: codec.JPEGDecoder{}, Sink: sink}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var v viewer
	if viewOpts.relay {
		v = peer.NewRelayViewer(s, media, sugar.Named("viewer"))
	} else {
		dir := directory.New(s.SignalURL, s.RequestTimeout, directory.WithLogger(sugar))
		v = peer.NewDirectViewer(dir, s, media, sugar.Named("viewer"))
	}

	fmt.Printf("Requesting access to %s...\n", code)
	if err := v.Join(ctx, code, hash, viewOpts.name); err != nil {
		return joinError(err)
	}
	fmt.Println("Approved, streaming. Press Ctrl+C to leave.")

	err := v.Watch(ctx)
	fmt.Printf("%d frames shown\n", sink.Shown())
	switch {
	case ctx.Err() != nil:
		return nil
	case streaming.PeerClosed(err):
		fmt.Println("The host ended the session.")
		return nil
	default:
		return err
	}
}

func joinError(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidPassword):
		return errors.New("wrong password")
	case errors.Is(err, domain.ErrRequestRejected):
		return errors.New("the host declined the request")
	case errors.Is(err, domain.ErrRequestExpired):
		return errors.New("the host did not answer in time")
	case domain.IsCapacityError(err):
		return errors.New("the session is full")
	case domain.IsNotFound(err):
		return errors.New("no such session")
	default:
		return err
	}
}
