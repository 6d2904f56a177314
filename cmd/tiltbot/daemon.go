package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/tiltbot/internal/mqtt"
	"github.com/sweeney/tiltbot/internal/port"
	"github.com/sweeney/tiltbot/internal/robot"
	"github.com/sweeney/tiltbot/internal/sensor"
	"github.com/sweeney/tiltbot/internal/status"
)

// statusRefresh is how often the tracker is refreshed for the web page.
const statusRefresh = time.Second

// daemon connects the robot to its board and keeps it connected, forwards
// threshold events to MQTT and publishes lifecycle events.
type daemon struct {
	robot      *robot.Robot
	port       port.Port
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker
	clock      clock.Clock
	logger     *zap.SugaredLogger

	controlPeriod  time.Duration
	reconnectDelay time.Duration
	heartbeat      time.Duration
}

// run blocks until a signal arrives on sig or a component fails. The robot
// is stopped and SHUTDOWN is published on the way out.
func (d *daemon) run(ctx context.Context, sig <-chan os.Signal, serve func(ctx context.Context) error) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if err := d.schedule(scheduler); err != nil {
		return err
	}

	d.publishSystem(mqtt.EventStartup, "", true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	reason := "CONTEXT"
	g.Go(func() error {
		select {
		case s := <-sig:
			d.logger.Infow("received signal, shutting down", "signal", s)
			reason = signalName(s)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		d.forwardEvents(gctx)
		return nil
	})
	g.Go(func() error {
		return d.supervise(gctx)
	})
	if serve != nil {
		g.Go(func() error {
			return serve(gctx)
		})
	}

	scheduler.Start()
	err = g.Wait()
	if err != nil {
		reason = "ERROR"
	}

	if serr := scheduler.Shutdown(); serr != nil {
		d.logger.Warnw("scheduler shutdown failed", "error", serr)
	}
	d.shutdown(reason)
	return err
}

// schedule registers the status refresh and heartbeat jobs.
func (d *daemon) schedule(s gocron.Scheduler) error {
	if _, err := s.NewJob(
		gocron.DurationJob(statusRefresh),
		gocron.NewTask(d.refresh),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return err
	}
	if d.heartbeat <= 0 {
		return nil
	}
	_, err := s.NewJob(
		gocron.DurationJob(d.heartbeat),
		gocron.NewTask(d.publishHeartbeat),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// supervise runs the control loop, reconnecting after the board link is
// lost, until ctx is done.
func (d *daemon) supervise(ctx context.Context) error {
	ticker := d.clock.Ticker(d.controlPeriod)
	defer ticker.Stop()

	first := true
	for {
		if err := d.connect(ctx, first); err != nil {
			return nil
		}
		first = false

		err := d.robot.Run(ctx, ticker.C)
		if ctx.Err() != nil {
			return nil
		}
		d.logger.Warnw("control loop stopped", "error", err)
		reason := "ERROR"
		if errors.Is(err, port.ErrConnectionLost) {
			reason = "CONNECTION_LOST"
		}
		d.publishSystem(mqtt.EventDisconnected, reason, false)
		if err := d.robot.Disconnect(); err != nil {
			d.logger.Debugw("disconnect after loss", "error", err)
		}
	}
}

// connect retries Connect every reconnectDelay until it succeeds or ctx is
// done.
func (d *daemon) connect(ctx context.Context, first bool) error {
	for attempt := 1; ; attempt++ {
		err := d.robot.Connect(d.port)
		if err == nil {
			if !first {
				d.tracker.IncReconnects()
				d.publishSystem(mqtt.EventReconnected, "", false)
			}
			d.logger.Infow("robot connected", "attempt", attempt)
			return nil
		}
		d.logger.Warnw("connect failed", "attempt", attempt, "error", err, "retry_in", d.reconnectDelay)

		timer := d.clock.Timer(d.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// forwardEvents publishes threshold crossings until ctx is done. The
// subscription survives reconnects.
func (d *daemon) forwardEvents(ctx context.Context) {
	obs := sensor.NewChanObserver(64)
	unsubscribe := d.robot.Subscribe(obs)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			if n := obs.Dropped(); n > 0 {
				d.logger.Warnw("sensor events dropped", "count", n)
			}
			return
		case e := <-obs.C:
			if e.Kind != sensor.KindThreshold {
				continue
			}
			d.logger.Infow("tilt threshold", "edge", e.Edge, "value", e.Value)
			if err := d.publisher.Publish(e); err != nil {
				// Don't crash on publish failure
				d.logger.Warnw("publish error", "error", err)
			}
		}
	}
}

// refresh copies the robot state into the tracker.
func (d *daemon) refresh() {
	d.tracker.Update(d.robot.State())
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
}

func (d *daemon) publishHeartbeat() {
	// Refresh network info for heartbeat
	if net := readNetworkInfo(); net != nil {
		d.tracker.SetNetwork(net)
	}
	d.publishSystem(mqtt.EventHeartbeat, "", false)
}

// publishSystem publishes a lifecycle event carrying a full status snapshot.
func (d *daemon) publishSystem(event, reason string, retained bool) {
	d.refresh()
	snap := d.tracker.Snapshot()
	err := d.publisher.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		d.logger.Warnw("failed to publish system event", "event", event, "error", err)
		return
	}
	d.logger.Debugw("published system event", "event", event, "reason", reason)
}

// shutdown zeroes the motors, announces SHUTDOWN and releases the board.
func (d *daemon) shutdown(reason string) {
	if d.robot.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := d.robot.Stop(ctx); err != nil {
			d.logger.Warnw("stop on shutdown failed", "error", err)
		}
		cancel()
	}
	d.publishSystem(mqtt.EventShutdown, reason, true)
	if err := d.robot.Disconnect(); err != nil {
		d.logger.Warnw("disconnect on shutdown failed", "error", err)
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
