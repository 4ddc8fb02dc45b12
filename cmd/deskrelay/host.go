package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"deskrelay/internal/client/directory"
	"deskrelay/internal/core/domain"
	"deskrelay/internal/infrastructure/codec"
	"deskrelay/internal/peer"
	"deskrelay/pkg/utils"

	"github.com/spf13/cobra"
)

var hostOpts struct {
	code        string
	password    string
	relay       bool
	listen      string
	advertise   string
	quality     int
	interval    time.Duration
	width       int
	height      int
	autoApprove bool
	preview     time.Duration
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Register a session and stream to approved viewers",
	RunE:  runHost,
}

func init() {
	f := hostCmd.Flags()
	f.StringVar(&hostOpts.code, "code", "", "session code (generated when empty)")
	f.StringVar(&hostOpts.password, "password", "", "password viewers must supply")
	f.BoolVar(&hostOpts.relay, "relay", false, "stream through the event relay instead of a direct TCP listener")
	f.StringVar(&hostOpts.listen, "listen", "", "TCP listen address for direct streaming")
	f.StringVar(&hostOpts.advertise, "advertise", "", "address viewers should dial")
	f.IntVar(&hostOpts.quality, "quality", 0, "JPEG quality 1-100")
	f.DurationVar(&hostOpts.interval, "interval", 0, "pause between frames")
	f.IntVar(&hostOpts.width, "width", 640, "captured frame width")
	f.IntVar(&hostOpts.height, "height", 360, "captured frame height")
	f.BoolVar(&hostOpts.autoApprove, "auto-approve", false, "accept every connection request without asking")
	f.DurationVar(&hostOpts.preview, "preview", 0, "publish a preview snapshot at this interval (0 disables)")
}

func runHost(cmd *cobra.Command, args []string) error {
	s := settings()
	if hostOpts.listen != "" {
		s.ListenAddress = hostOpts.listen
	}
	if hostOpts.advertise != "" {
		s.AdvertiseAddress = hostOpts.advertise
	}
	if hostOpts.quality > 0 {
		s.Quality = hostOpts.quality
	}
	if hostOpts.interval > 0 {
		s.Interval = hostOpts.interval
	}

	var hash string
	if hostOpts.password != "" {
		hash = utils.HashPassword(hostOpts.password)
	}
	code := domain.SessionCode(hostOpts.code).Normalize()

	approve := peer.AutoApprove
	if !hostOpts.autoApprove {
		approve = promptApprover(os.Stdin)
	}

	media := peer.Media{
		Capturer: codec.NewPatternCapturer(hostOpts.width, hostOpts.height),
		Encoder:  codec.JPEGEncoder{},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.New(s.SignalURL, s.RequestTimeout, directory.WithLogger(sugar))

	var (
		run   func(context.Context) error
		token string
	)
	if hostOpts.relay {
		if code == "" {
			code = domain.SessionCode(utils.GenerateSessionCode())
		}
		h := peer.NewRelayHost(s, media, approve, sugar.Named("host"))
		ack, err := h.Start(ctx, code, hash)
		if err != nil {
			return err
		}
		code, token, run = ack.Code, ack.HostToken, h.Run
	} else {
		h := peer.NewDirectHost(dir, s, media, approve, sugar.Named("host"))
		reg, err := h.Start(ctx, code, hash)
		if err != nil {
			return err
		}
		code, token, run = reg.Code, reg.HostToken, h.Run
	}

	fmt.Printf("Session code: %s\n", code)

	if hostOpts.preview > 0 && token != "" {
		pub := peer.NewPreviewPublisher(dir, media.Capturer, code, token, 30, hostOpts.preview, sugar.Named("preview"))
		go pub.Run(ctx)
	}

	return run(ctx)
}

// promptApprover asks on the terminal. A request left unanswered when ctx
// ends is refused.
func promptApprover(in *os.File) peer.Approver {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	return func(ctx context.Context, req domain.PendingConnection) bool {
		name := req.ViewerName
		if name == "" {
			name = req.ViewerID
		}
		fmt.Printf("Allow %s to watch session %s? [y/N] ", name, req.SessionCode)

		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			answer := strings.ToLower(strings.TrimSpace(line))
			return answer == "y" || answer == "yes"
		}
	}
}
