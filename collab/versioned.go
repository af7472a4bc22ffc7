package collab

import (
	"context"
	"fmt"

	"github.com/alimasry/go-collab-notes/protocol"
)

// VersionedState is the optimistic-concurrency bookkeeping of a versioned
// session. PendingRemoteContent is only set while HasPendingUpdate is.
type VersionedState struct {
	LocalVersion         int64
	ServerVersion        int64
	LastSavedContent     string
	Dirty                bool
	HasPendingUpdate     bool
	PendingRemoteContent *string
	ChangedLines         []int
	PendingEditor        string
}

func (st VersionedState) clone() VersionedState {
	if st.PendingRemoteContent != nil {
		c := *st.PendingRemoteContent
		st.PendingRemoteContent = &c
	}
	st.ChangedLines = append([]int(nil), st.ChangedLines...)
	return st
}

// versionedSync saves the whole document at natural pauses (idle, blur,
// background) and lets the authority accept or reject each save by version.
// Remote saves are applied at once when the surface is not focused and held
// back until the next focus or input event when it is.
type versionedSync struct {
	s     *Session
	state VersionedState
	idle  loopTimer

	pendingVersion int64
	inflight       *saveCall
	fetching       bool
	refetch        bool
}

// saveCall is a save sent to the authority. res and err are set before done
// is closed.
type saveCall struct {
	req  protocol.Save
	done chan struct{}
	res  *protocol.SaveResult
	err  error
}

func newVersionedSync(s *Session) *versionedSync {
	return &versionedSync{
		s:    s,
		idle: loopTimer{clock: s.env.clock, post: s.env.post},
	}
}

func (v *versionedSync) Mode() protocol.Mode { return protocol.ModeVersioned }

// State returns a copy of the bookkeeping.
func (v *versionedSync) State() VersionedState { return v.state.clone() }

func (v *versionedSync) Begin(b bootstrap) {
	v.s.doc.Replace(b.content)
	v.state = VersionedState{
		LocalVersion:     b.version,
		ServerVersion:    b.version,
		LastSavedContent: b.content,
	}
	v.s.env.ui.ReplaceContent(b.content)
	v.s.persist(b.content, b.version)
}

func (v *versionedSync) Input(text string, caret int) {
	if v.applyPending() {
		// The remote state becomes the baseline; the edit made against the
		// superseded text is not kept.
		v.s.env.log.Info("pending remote update applied before local edit", "session", v.s.ID)
	} else {
		v.s.doc.SetText(text, caret)
	}
	v.state.Dirty = true
	v.armIdle()
}

func (v *versionedSync) armIdle() {
	v.idle.Reset(v.s.env.idleSaveDelay, func() { v.save("idle") })
}

func (v *versionedSync) Handle(msg protocol.Message) bool {
	switch msg := msg.(type) {
	case protocol.MemoChanged:
		editor := msg.EditorName
		if editor == "" {
			editor = v.s.nameOf(msg.EditorID)
		}
		v.remoteUpdate(msg.Version, msg.ChangedLines, editor, nil)
		return true
	}
	return false
}

func (v *versionedSync) PeerJoined(protocol.Participant) {}

func (v *versionedSync) Focus() {
	v.applyPending()
}

func (v *versionedSync) Blur() {
	v.applyPending()
	v.save("blur")
}

func (v *versionedSync) Background() {
	v.applyPending()
	v.save("background")
}

// save pushes the document if it changed since the last accepted save.
// Only one save is in flight at a time.
func (v *versionedSync) save(reason string) {
	if v.inflight != nil {
		v.s.env.log.Debug("save skipped, previous save in flight", "session", v.s.ID, "trigger", reason)
		return
	}
	v.applyPending()
	content := v.s.doc.Text()
	if !v.state.Dirty || content == v.state.LastSavedContent {
		v.state.Dirty = false
		return
	}

	req := protocol.Save{SessionID: v.s.ID, Content: content, ExpectedVersion: v.state.LocalVersion}
	call := &saveCall{req: req, done: make(chan struct{})}
	v.inflight = call
	v.s.env.log.Debug("saving", "session", v.s.ID, "trigger", reason, "expected_version", req.ExpectedVersion)
	go func() {
		ctx, cancel := v.s.rpcContext()
		defer cancel()
		call.res, call.err = v.s.env.authority.Save(ctx, req)
		close(call.done)
		v.s.env.post(func() { v.saved(call) })
	}()
}

func (v *versionedSync) saved(call *saveCall) {
	req, res, err := call.req, call.res, call.err
	if v.inflight == call {
		v.inflight = nil
	}
	if !v.s.active() {
		return
	}
	if err != nil {
		v.s.env.log.Warn("save failed", "session", v.s.ID, "expected_version", req.ExpectedVersion, "error", err)
		return
	}
	if !res.Accepted {
		v.s.env.log.Info("save rejected, newer version on authority",
			"session", v.s.ID, "expected_version", req.ExpectedVersion, "server_version", res.Version)
		content := res.Content
		v.remoteUpdate(res.Version, res.ChangedLines, "", &content)
		return
	}

	if res.Version < v.state.LocalVersion {
		// A newer remote version was applied while the save was in flight.
		v.s.env.log.Debug("save accepted behind local version", "session", v.s.ID,
			"version", res.Version, "local_version", v.state.LocalVersion)
		return
	}
	v.state.LocalVersion = res.Version
	v.state.ServerVersion = max(v.state.ServerVersion, res.Version)
	v.state.LastSavedContent = req.Content
	v.state.Dirty = v.s.doc.Text() != req.Content
	if v.state.Dirty && !v.idle.Armed() {
		v.armIdle()
	}
	v.s.persist(req.Content, res.Version)
	v.s.env.log.Debug("save accepted", "session", v.s.ID, "version", res.Version)
}

// remoteUpdate records a newer authoritative version. content is known for
// save conflicts and fetched otherwise.
func (v *versionedSync) remoteUpdate(version int64, changed []int, editor string, content *string) {
	st := &v.state
	if version <= st.LocalVersion {
		v.s.env.log.Debug("stale update ignored", "session", v.s.ID, "version", version, "local_version", st.LocalVersion)
		return
	}
	if st.HasPendingUpdate {
		if content == nil && version <= st.ServerVersion {
			v.s.env.log.Debug("duplicate update ignored", "session", v.s.ID, "version", version)
			return
		}
		if content != nil && st.PendingRemoteContent != nil && version <= v.pendingVersion {
			return
		}
	}

	st.ServerVersion = max(st.ServerVersion, version)
	st.ChangedLines = append([]int(nil), changed...)
	st.HasPendingUpdate = true
	st.PendingEditor = editor
	if content != nil {
		st.PendingRemoteContent = content
		v.pendingVersion = version
	} else {
		st.PendingRemoteContent = nil
		v.fetch()
	}

	if !v.s.doc.focused {
		v.applyPending()
		return
	}
	v.s.env.ui.ShowBanner(changeBanner(len(changed), editor))
	v.s.env.ui.HighlightLines(st.ChangedLines)
}

func (v *versionedSync) fetch() {
	if v.fetching {
		v.refetch = true
		return
	}
	v.fetching = true
	v.refetch = false
	req := protocol.Fetch{SessionID: v.s.ID}
	go func() {
		ctx, cancel := v.s.rpcContext()
		defer cancel()
		c, err := v.s.env.authority.Fetch(ctx, req)
		v.s.env.post(func() { v.fetched(c, err) })
	}()
}

func (v *versionedSync) fetched(c *protocol.Content, err error) {
	v.fetching = false
	if !v.s.active() {
		return
	}
	if err != nil {
		v.s.env.log.Warn("fetch content failed", "session", v.s.ID, "error", err)
		if v.refetch {
			v.fetch()
		}
		return
	}
	st := &v.state
	if !st.HasPendingUpdate {
		return
	}
	if c.Version <= st.LocalVersion {
		// A local save already moved past what was announced.
		v.clearPending()
		return
	}
	if c.Version < st.ServerVersion {
		// A newer save was announced while this fetch was in flight.
		v.fetch()
		return
	}
	st.ServerVersion = c.Version
	content := c.Content
	st.PendingRemoteContent = &content
	v.pendingVersion = c.Version
	if !v.s.doc.focused {
		v.applyPending()
	}
}

// applyPending replaces the local text with the pending authoritative
// content. It reports whether anything was applied.
func (v *versionedSync) applyPending() bool {
	st := &v.state
	if !st.HasPendingUpdate || st.PendingRemoteContent == nil {
		return false
	}
	content := *st.PendingRemoteContent
	changed := st.ChangedLines
	if st.Dirty && v.s.doc.Text() != st.LastSavedContent {
		v.s.env.log.Warn("unsaved local edits replaced by remote version",
			"session", v.s.ID, "version", v.pendingVersion)
	}

	v.s.doc.Replace(content)
	st.LocalVersion = v.pendingVersion
	st.ServerVersion = max(st.ServerVersion, v.pendingVersion)
	st.LastSavedContent = content
	st.Dirty = false
	v.clearPending()

	v.s.env.ui.ReplaceContent(content)
	v.s.env.ui.ShowBanner("")
	v.s.env.ui.HighlightLines(changed)
	v.s.persist(content, st.LocalVersion)
	v.s.env.log.Info("remote version applied", "session", v.s.ID, "version", st.LocalVersion)
	return true
}

func (v *versionedSync) clearPending() {
	v.state.HasPendingUpdate = false
	v.state.PendingRemoteContent = nil
	v.state.ChangedLines = nil
	v.state.PendingEditor = ""
}

// Stop returns the final save. It waits for a save still in flight and
// then saves the remaining edits on top of it. Edits the authority will not
// take are kept in the local store and reported as ErrSaveConflict.
func (v *versionedSync) Stop() func(ctx context.Context) error {
	v.idle.Stop()
	content := v.s.doc.Text()
	call := v.inflight
	if call == nil && (!v.state.Dirty || content == v.state.LastSavedContent) {
		return nil
	}
	expected, lastSaved := v.state.LocalVersion, v.state.LastSavedContent
	s := v.s
	return func(ctx context.Context) error {
		if call != nil {
			select {
			case <-call.done:
			case <-ctx.Done():
				s.persist(content, expected)
				return fmt.Errorf("final save: %w", ctx.Err())
			}
			switch {
			case call.err != nil:
				// Nothing was stored; the final save carries the same text.
			case !call.res.Accepted:
				s.persist(content, expected)
				return fmt.Errorf("%w: authority at version %d", ErrSaveConflict, call.res.Version)
			case call.res.Version > expected:
				expected, lastSaved = call.res.Version, call.req.Content
				s.persist(lastSaved, expected)
			}
		}
		if content == lastSaved {
			return nil
		}

		req := protocol.Save{SessionID: s.ID, Content: content, ExpectedVersion: expected}
		res, err := s.env.authority.Save(ctx, req)
		if err != nil {
			s.persist(content, expected)
			return fmt.Errorf("final save: %w", err)
		}
		if !res.Accepted {
			s.env.log.Warn("final save rejected, local edits kept in local store",
				"session", s.ID, "expected_version", req.ExpectedVersion, "server_version", res.Version)
			s.persist(content, expected)
			return fmt.Errorf("%w: authority at version %d", ErrSaveConflict, res.Version)
		}
		s.persist(content, res.Version)
		return nil
	}
}

func changeBanner(n int, editor string) string {
	if editor == "" {
		editor = "another participant"
	}
	if n == 1 {
		return "1 line changed by " + editor
	}
	return fmt.Sprintf("%d lines changed by %s", n, editor)
}
