package service

import (
	"context"
	"fmt"
	"time"

	"github.com/berfenger/powershades2mqtt/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// Poller sends periodic PollRequests to device sessions. Sessions decide
// whether a refresh is due, so the tick is the shorter of the two intervals.
type Poller struct {
	scheduler quartz.Scheduler
	root      *actor.RootContext
	tick      time.Duration
	logger    *zap.Logger
}

type pollJob struct {
	deviceId string
	pid      *actor.PID
	root     *actor.RootContext
}

func (j *pollJob) Execute(_ context.Context) error {
	j.root.Send(j.pid, domain.PollRequest{})
	return nil
}

func (j *pollJob) Description() string {
	return fmt.Sprintf("poll %s", j.deviceId)
}

// NewPoller returns a poller ticking at the shorter non-zero interval. Both
// intervals zero disables polling and Add becomes a no-op.
func NewPoller(root *actor.RootContext, interval, unknownInterval time.Duration, logger *zap.Logger) *Poller {
	tick := interval
	if unknownInterval > 0 && (tick <= 0 || unknownInterval < tick) {
		tick = unknownInterval
	}
	p := &Poller{root: root, tick: tick, logger: logger}
	if tick > 0 {
		p.scheduler = quartz.NewStdScheduler()
	}
	return p
}

func (p *Poller) Enabled() bool {
	return p.scheduler != nil
}

func (p *Poller) Start(ctx context.Context) {
	if p.scheduler != nil {
		p.scheduler.Start(ctx)
	}
}

func (p *Poller) Add(deviceId string, pid *actor.PID) error {
	if p.scheduler == nil {
		return nil
	}
	job := &pollJob{deviceId: deviceId, pid: pid, root: p.root}
	detail := quartz.NewJobDetail(job, pollJobKey(deviceId))
	if err := p.scheduler.ScheduleJob(detail, quartz.NewSimpleTrigger(p.tick)); err != nil {
		return fmt.Errorf("schedule poll for %s: %w", deviceId, err)
	}
	p.logger.Debug("poller: scheduled", zap.String("device", deviceId), zap.Duration("tick", p.tick))
	return nil
}

func (p *Poller) Remove(deviceId string) error {
	if p.scheduler == nil {
		return nil
	}
	return p.scheduler.DeleteJob(pollJobKey(deviceId))
}

func (p *Poller) Stop() {
	if p.scheduler != nil && p.scheduler.IsStarted() {
		p.scheduler.Stop()
	}
}

func pollJobKey(deviceId string) *quartz.JobKey {
	return quartz.NewJobKey("poll_" + deviceId)
}
