package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
)

const shutdownTimeout = 10 * time.Second

// Hub is the websocket side that runs for the lifetime of the server.
type Hub interface {
	http.Handler
	Run(ctx context.Context, stopDoneNotifyC chan<- struct{})
}

type Conf struct {
	Addr string
	Mux  *http.ServeMux
	Hub  Hub
}

// Standalone serves HTTP and websocket requests from one process.
type Standalone struct {
	conf       *Conf
	httpServer *http.Server
}

func NewStandalone(conf *Conf) *Standalone {
	conf.Mux.Handle("/ws", conf.Hub)
	return &Standalone{
		conf:       conf,
		httpServer: &http.Server{Handler: conf.Mux},
	}
}

// Listen binds the configured address.
func (s *Standalone) Listen() (net.Listener, error) {
	lis, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s error: %v", s.conf.Addr, err)
	}
	return lis, nil
}

// Run serves lis until ctx is done, then stops the http server and the hub and
// notifies stopNotifyCh.
func (s *Standalone) Run(ctx context.Context, lis net.Listener, stopNotifyCh chan<- struct{}) {
	glog.Infof("standalone server is starting")

	go func() {
		glog.Infof("http server is listening %v", lis.Addr())
		if err := s.httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			err := fmt.Errorf("error serve http mux server: %v", err)
			glog.Error(err)
			panic(err)
		}
	}()

	hubStopDoneC := make(chan struct{})
	go s.conf.Hub.Run(ctx, hubStopDoneC)

	<-ctx.Done()
	glog.Infof("standalone server is stopping")

	// Hijacked websocket connections are not tracked by Shutdown; the hub closes them.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Errorf("http server shutdown: %v", err)
	}
	glog.Infof("standalone server: http server shutdown done")

	<-hubStopDoneC
	close(hubStopDoneC)
	glog.Infof("standalone server: hub stopped")

	stopNotifyCh <- struct{}{}
}
