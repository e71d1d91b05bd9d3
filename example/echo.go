package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Zereker/sockchan"
)

// echoSession writes every message back to the peer.
type echoSession struct {
	ch *sockchan.Channel
}

func (s *echoSession) Receive(_ context.Context, msg sockchan.Message) error {
	s.ch.SendAndForget(msg)
	return nil
}

// registry tracks live channels so they can be counted on shutdown.
type registry struct {
	sync.RWMutex
	channels map[uint32]*sockchan.Channel
}

func newRegistry() *registry {
	return &registry{channels: make(map[uint32]*sockchan.Channel)}
}

// factory builds an echo session for each channel. Construction is
// asynchronous to show that inbound data is held until the session exists.
func (r *registry) factory(ch *sockchan.Channel) *sockchan.Future[sockchan.Session] {
	r.Lock()
	r.channels[ch.ID()] = ch
	r.Unlock()
	slog.Info("add new channel", "channel", ch.ID(), "addr", ch.RemoteAddr())

	ch.OnClose().OnComplete(func(struct{}, error) {
		r.Lock()
		delete(r.channels, ch.ID())
		r.Unlock()
		slog.Info("channel closed", "channel", ch.ID(), "cause", ch.Cause())
	})

	session := sockchan.NewFuture[sockchan.Session]()
	time.AfterFunc(10*time.Millisecond, func() {
		session.Resolve(&echoSession{ch: ch})
	})
	return session
}

func (r *registry) count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.channels)
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := sockchan.New(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	reg := newRegistry()
	codec := sockchan.LengthFieldCodec{}
	acceptor := &sockchan.Acceptor{
		Initializer: func(p *sockchan.Pipeline) error {
			return p.AddLast("decoder", sockchan.DecodeStage(codec))
		},
		Factory: reg.factory,
		Options: []sockchan.Option{sockchan.CustomCodecOption(codec)},
	}

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, acceptor); err != nil {
		slog.Error("server error", "error", err, "open_channels", reg.count())
	}
}
