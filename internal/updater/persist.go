package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/updater/internal/health"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/semver"
	"github.com/breeze-rmm/updater/internal/state"
)

// load restores the persisted session. The larger of the configured and
// persisted current versions wins.
func (o *Orchestrator) load(ctx context.Context, configured semver.Version) error {
	if o.deps.Store == nil {
		return nil
	}
	data, err := o.deps.Store.LoadSession(ctx)
	if errors.Is(err, state.ErrNoSession) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn("discarding unreadable persisted session", logging.KeyError, err.Error())
		return nil
	}
	if s.State == "" {
		s.State = StateNone
	}
	if !configured.IsZero() && configured.GreaterThan(s.CurrentVersion) {
		s.CurrentVersion = configured
	}

	if !s.State.InProgress() {
		o.session = s
		return nil
	}

	interrupted := s.State
	s.State = StateFailed
	s.Message = fmt.Sprintf("interrupted while %s", interrupted)
	s.Metadata.Set(MetaLastError, s.Message)
	s.Metadata.Set(MetaErrorKind, string(KindInternal))
	o.session = s
	o.attemptStart = s.LastAttemptAt
	if o.attemptStart.IsZero() {
		o.attemptStart = s.LastCheckedAt
	}
	o.attemptFrom = s.CurrentVersion

	log.Warn("previous update attempt was interrupted",
		logging.KeyAttemptID, s.AttemptID,
		logging.KeyState, string(interrupted),
	)
	o.persist(ctx, s.Clone(), interrupted, o.attemptStart, o.attemptFrom)
	return nil
}

// persist writes snap and, when an attempt has just ended, appends its
// history row. Storage errors are logged and reported, never returned.
func (o *Orchestrator) persist(ctx context.Context, snap Session, prev State, started time.Time, from semver.Version) {
	if o.deps.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	data, err := json.Marshal(snap)
	if err == nil {
		err = o.deps.Store.SaveSession(ctx, data)
	}
	if err != nil {
		log.Error("failed to persist session", logging.KeyState, string(snap.State), logging.KeyError, err.Error())
		o.report(health.ComponentState, err)
		return
	}

	if !snap.State.terminal() || snap.State == prev {
		o.report(health.ComponentState, nil)
		return
	}
	entry := state.HistoryEntry{
		AttemptID:   snap.AttemptID,
		FromVersion: from.String(),
		Outcome:     string(snap.State),
		ErrorKind:   snap.Metadata.Value(MetaErrorKind),
		Message:     snap.Message,
		StartedAt:   started,
		FinishedAt:  o.deps.Now(),
	}
	if from.IsZero() {
		entry.FromVersion = snap.CurrentVersion.String()
	}
	if snap.AvailableVersion != nil {
		entry.ToVersion = snap.AvailableVersion.String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = entry.FinishedAt
	}
	if _, err := o.deps.Store.AppendHistory(ctx, entry); err != nil {
		log.Error("failed to record update history", logging.KeyAttemptID, snap.AttemptID, logging.KeyError, err.Error())
		o.report(health.ComponentState, err)
		return
	}
	o.report(health.ComponentState, nil)
}
