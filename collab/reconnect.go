package collab

import (
	"context"

	"github.com/cenkalti/backoff"
)

// reconnector reacts to transport close events. It clears the roster,
// tells the UI, and schedules one redial after a fixed delay. It never
// rejoins a session; that is left to the user.
type reconnector struct {
	m      *Manager
	policy backoff.BackOff
	timer  loopTimer
}

func newReconnector(m *Manager) *reconnector {
	return &reconnector{
		m:      m,
		policy: backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), 1),
		timer:  loopTimer{clock: m.cfg.Clock, post: m.post},
	}
}

func (r *reconnector) closed(err error) {
	log := r.m.log
	log.Warn("transport closed", "error", err)

	if s := r.m.session; s != nil {
		for _, p := range s.peers() {
			s.removeParticipant(p.ID)
			r.m.cfg.UI.RemoveParticipant(p.ID)
		}
	}
	r.m.cfg.UI.ConnectionChanged(false)

	redialer, ok := r.m.cfg.Transport.(Redialer)
	if !ok {
		return
	}
	if !r.m.cfg.HasIdentity() {
		log.Info("no identity available, not reconnecting")
		return
	}
	r.policy.Reset()
	r.schedule(redialer)
}

func (r *reconnector) schedule(redialer Redialer) {
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		r.m.log.Warn("reconnect attempts exhausted")
		return
	}
	r.m.log.Info("reconnecting", "delay", d)
	r.timer.Reset(d, func() { r.attempt(redialer) })
}

func (r *reconnector) attempt(redialer Redialer) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.m.cfg.RPCTimeout)
		defer cancel()
		err := redialer.Redial(ctx)
		r.m.post(func() { r.result(redialer, err) })
	}()
}

func (r *reconnector) result(redialer Redialer, err error) {
	if err != nil {
		r.m.log.Warn("reconnect failed", "error", err)
		r.schedule(redialer)
		return
	}
	r.m.log.Info("reconnected")
	r.m.cfg.UI.ConnectionChanged(true)
}

func (r *reconnector) stop() { r.timer.Stop() }
